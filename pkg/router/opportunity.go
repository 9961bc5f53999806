/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/dexfleet/coordinator/pkg/envelope"
)

// Opportunity is an arbitrage candidate as tracked by the router. Optional
// numerics are pointers so serialization can distinguish absent from zero.
type Opportunity struct {
	ID                 string
	Type               string
	Chain              string
	BuyDex             string
	SellDex            string
	ProfitPercentage   *float64
	Confidence         float64
	Timestamp          int64
	ExpiresAt          *int64
	Status             string
	TokenIn            string
	TokenOut           string
	AmountIn           string
	ExpectedProfit     float64
	EstimatedProfit    float64
	GasEstimate        float64
	BuyChain           string
	SellChain          string
	PipelineTimestamps string
	ForwardedBy        string
	ForwardedAt        int64
	Trace              map[string]string
}

// ParseOpportunity builds an Opportunity from a normalized payload. Only the
// id is required.
func ParseOpportunity(m map[string]any) (*Opportunity, error) {
	id := envelope.Str(m, "id")
	if id == "" {
		return nil, fmt.Errorf("opportunity missing required id")
	}
	o := &Opportunity{
		ID:                 id,
		Type:               envelope.Str(m, "type"),
		Chain:              envelope.Str(m, "chain"),
		BuyDex:             envelope.Str(m, "buyDex"),
		SellDex:            envelope.Str(m, "sellDex"),
		Confidence:         envelope.Float(m, "confidence"),
		Timestamp:          envelope.Int64(m, "timestamp"),
		Status:             envelope.Str(m, "status"),
		TokenIn:            envelope.Str(m, "tokenIn"),
		TokenOut:           envelope.Str(m, "tokenOut"),
		AmountIn:           envelope.Str(m, "amountIn"),
		ExpectedProfit:     envelope.Float(m, "expectedProfit"),
		EstimatedProfit:    envelope.Float(m, "estimatedProfit"),
		GasEstimate:        envelope.Float(m, "gasEstimate"),
		BuyChain:           envelope.Str(m, "buyChain"),
		SellChain:          envelope.Str(m, "sellChain"),
		PipelineTimestamps: rawString(m, "pipelineTimestamps"),
		ForwardedBy:        envelope.Str(m, "forwardedBy"),
		ForwardedAt:        envelope.Int64(m, "forwardedAt"),
	}
	if envelope.Has(m, "profitPercentage") {
		o.ProfitPercentage = lo.ToPtr(envelope.Float(m, "profitPercentage"))
	}
	if envelope.Has(m, "expiresAt") {
		o.ExpiresAt = lo.ToPtr(envelope.Int64(m, "expiresAt"))
	}
	for k := range m {
		if strings.HasPrefix(k, "_trace_") {
			if o.Trace == nil {
				o.Trace = map[string]string{}
			}
			o.Trace[k] = envelope.Str(m, k)
		}
	}
	return o, nil
}

// Serialize flattens the opportunity into the execution-request wire map.
// Missing numerics serialize as "0" and missing strings as ""; expiresAt is
// omitted entirely when absent because the downstream validator rejects an
// empty string there.
func (o *Opportunity) Serialize() map[string]string {
	out := map[string]string{
		"id":                 o.ID,
		"type":               o.Type,
		"chain":              o.Chain,
		"buyDex":             o.BuyDex,
		"sellDex":            o.SellDex,
		"profitPercentage":   formatFloat(lo.FromPtr(o.ProfitPercentage)),
		"confidence":         formatFloat(o.Confidence),
		"timestamp":          strconv.FormatInt(o.Timestamp, 10),
		"tokenIn":            o.TokenIn,
		"tokenOut":           o.TokenOut,
		"amountIn":           o.AmountIn,
		"forwardedBy":        o.ForwardedBy,
		"forwardedAt":        strconv.FormatInt(o.ForwardedAt, 10),
		"expectedProfit":     formatFloat(o.ExpectedProfit),
		"estimatedProfit":    formatFloat(o.EstimatedProfit),
		"gasEstimate":        formatFloat(o.GasEstimate),
		"buyChain":           o.BuyChain,
		"sellChain":          o.SellChain,
		"pipelineTimestamps": o.PipelineTimestamps,
	}
	if o.ExpiresAt != nil {
		out["expiresAt"] = strconv.FormatInt(*o.ExpiresAt, 10)
	}
	for k, v := range o.Trace {
		out[k] = v
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// rawString preserves structured passthrough fields as their JSON text.
func rawString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
