package agent

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"skycredit/internal/directory"
	"skycredit/internal/llm"
	"skycredit/internal/models"
)

func (a *MainAgent) handleVerification(ctx context.Context, input string) (string, error) {
	collected, err := json.Marshal(a.state.VerificationData)
	if err != nil {
		return a.repeat(llm.TaskVerification, err)
	}

	var res models.VerificationResult
	if err := a.llm.Predict(ctx, llm.TaskVerification, map[string]any{
		"customer_input":    input,
		"verification_data": string(collected),
	}, &res); err != nil {
		return a.repeat(llm.TaskVerification, err)
	}

	var updated models.VerificationData
	if err := res.UpdatedData.Decode(&updated); err != nil {
		a.logger.Warn("ignoring undecodable updated_data", zap.ByteString("updated_data", res.UpdatedData), zap.Error(err))
	} else {
		a.state.VerificationData.Merge(updated)
	}

	response := res.Response
	if res.IsComplete {
		vd := a.state.VerificationData
		customer, found := directory.Lookup(vd.ReferenceOrMobile, vd.FirstName, vd.LastName)
		if found {
			a.state.CustomerData = &customer
			a.state.Verified = true
			a.logger.Info("customer verified",
				zap.String("first_name", customer.FirstName),
				zap.String("last_name", customer.LastName),
				zap.String("reference", customer.ClientReferenceNumber),
			)
		} else {
			a.logger.Warn("customer lookup failed", zap.String("reference_or_mobile", vd.ReferenceOrMobile))
			a.state.VerificationData.ReferenceOrMobile = ""
			response = lookupFailedPrompt
		}
	}

	if response == "" {
		response = RepeatPrompt
	}
	a.say(response)
	return response, nil
}
