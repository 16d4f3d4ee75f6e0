// Package directory is the fixed customer book the assistant verifies
// callers against.
package directory

import (
	"strings"

	"skycredit/internal/models"
)

var customers = []models.Customer{
	{FirstName: "Paul", LastName: "Walshe", EmailAddress: "paul.w@fintech-services.com.au", MobileNumber: "+61402017491", ClientReferenceNumber: "XT59591", AccountBalance: 1491.06, ArrearsBalance: 521.87, MinimumAmountDue: 149.11, NextPaymentDate: "2025-09-17", AccountStatus: "Arrears", DaysPastDue: 12},
	{FirstName: "Greg", LastName: "Haynes", EmailAddress: "greg.h@fintech-services.com.au", MobileNumber: "+61403893026", ClientReferenceNumber: "PO18973", AccountBalance: 1262, ArrearsBalance: 441.7, MinimumAmountDue: 126.2, NextPaymentDate: "2025-09-09", AccountStatus: "Arrears", DaysPastDue: 45},
	{FirstName: "Alice", LastName: "Tapu", EmailAddress: "alice.t@fairgofinance.com.au", MobileNumber: "+61498043748", ClientReferenceNumber: "HA79343", AccountBalance: 104.21, ArrearsBalance: 36.47, MinimumAmountDue: 10.42, NextPaymentDate: "2025-09-21", AccountStatus: "Arrears", DaysPastDue: 7},
	{FirstName: "Wendy", LastName: "Proudfoot", EmailAddress: "wendy.p@fairgofinance.com.au", MobileNumber: "+61402643302", ClientReferenceNumber: "SD89885", AccountBalance: 320.23, ArrearsBalance: 112.08, MinimumAmountDue: 32.02, NextPaymentDate: "2025-09-03", AccountStatus: "Arrears", DaysPastDue: 13},
	{FirstName: "Madisson", LastName: "McCrystal", EmailAddress: "madisson.m@fairgofinance.com.au", MobileNumber: "+61487914945", ClientReferenceNumber: "KE75413", AccountBalance: 1773.46, ArrearsBalance: 620.71, MinimumAmountDue: 177.35, NextPaymentDate: "2025-09-15", AccountStatus: "Arrears", DaysPastDue: 43},
	{FirstName: "Rachel", LastName: "Clark", EmailAddress: "mayjason@gmail.com", MobileNumber: "+6140389301", ClientReferenceNumber: "ZZ99466", AccountBalance: 1587.08, ArrearsBalance: 555.48, MinimumAmountDue: 158.71, NextPaymentDate: "2025-09-23", AccountStatus: "Arrears", DaysPastDue: 15},
	{FirstName: "Jennifer", LastName: "Reeves", EmailAddress: "watkinsnicole@gonzalez.com", MobileNumber: "+6140389302", ClientReferenceNumber: "KQ59118", AccountBalance: 150.59, ArrearsBalance: 52.71, MinimumAmountDue: 15.06, NextPaymentDate: "2025-09-25", AccountStatus: "Arrears", DaysPastDue: 54},
	{FirstName: "Marcus", LastName: "Moore", EmailAddress: "qschultz@yahoo.com", MobileNumber: "+6140389303", ClientReferenceNumber: "UD62179", AccountBalance: 89.63, ArrearsBalance: 31.37, MinimumAmountDue: 8.96, NextPaymentDate: "2025-09-21", AccountStatus: "Arrears", DaysPastDue: 23},
	{FirstName: "Karen", LastName: "Cortez", EmailAddress: "adam18@fox.biz", MobileNumber: "+6140389304", ClientReferenceNumber: "IF42330", AccountBalance: 547.53, ArrearsBalance: 191.64, MinimumAmountDue: 54.75, NextPaymentDate: "2025-09-18", AccountStatus: "Arrears", DaysPastDue: 12},
	{FirstName: "Jane", LastName: "Clark", EmailAddress: "vliu@gmail.com", MobileNumber: "+6140389305", ClientReferenceNumber: "LF36852", AccountBalance: 1055.38, ArrearsBalance: 369.38, MinimumAmountDue: 105.54, NextPaymentDate: "2025-09-28", AccountStatus: "Arrears", DaysPastDue: 124},
}

// Lookup finds the customer identified by a reference number or mobile
// number whose first and last names also match. Reference numbers are
// compared case-insensitively; mobile numbers ignore '+', spaces and dashes.
func Lookup(referenceOrMobile, firstName, lastName string) (models.Customer, bool) {
	ref := strings.ToUpper(strings.TrimSpace(referenceOrMobile))
	first := strings.ToLower(strings.TrimSpace(firstName))
	last := strings.ToLower(strings.TrimSpace(lastName))

	for _, c := range customers {
		if c.ClientReferenceNumber == ref && namesMatch(c, first, last) {
			return c, true
		}
	}

	mobile := normaliseMobile(ref)
	if mobile == "" {
		return models.Customer{}, false
	}
	for _, c := range customers {
		if normaliseMobile(c.MobileNumber) == mobile && namesMatch(c, first, last) {
			return c, true
		}
	}

	return models.Customer{}, false
}

// All returns a copy of every record.
func All() []models.Customer {
	out := make([]models.Customer, len(customers))
	copy(out, customers)
	return out
}

func namesMatch(c models.Customer, first, last string) bool {
	return strings.ToLower(c.FirstName) == first && strings.ToLower(c.LastName) == last
}

func normaliseMobile(s string) string {
	return strings.NewReplacer("+", "", " ", "", "-", "").Replace(s)
}
