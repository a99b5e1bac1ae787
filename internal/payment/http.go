package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// HTTPInitiator talks to the payment rail. The workflow id doubles as the
// idempotency key so a retried initiation never double-pays.
type HTTPInitiator struct {
	BaseURL string
	Client  *http.Client
}

func (i *HTTPInitiator) client() *http.Client {
	if i.Client != nil {
		return i.Client
	}
	return http.DefaultClient
}

func (i *HTTPInitiator) Initiate(ctx context.Context, workflowID, payeeID string, amount float64) (Initiation, error) {
	body, err := json.Marshal(map[string]any{
		"idempotency_key": workflowID,
		"payee_id":        payeeID,
		"amount":          amount,
	})
	if err != nil {
		return Initiation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(i.BaseURL, "/")+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return Initiation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := i.client().Do(req)
	if err != nil {
		return Initiation{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Initiation{}, fmt.Errorf("payment rail returned status %d", res.StatusCode)
	}
	var out struct {
		Accepted    bool   `json:"accepted"`
		ReferenceID string `json:"reference_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return Initiation{}, err
	}
	return Initiation{Accepted: out.Accepted, ReferenceID: out.ReferenceID}, nil
}

// StaticInitiator accepts every payout with a generated reference. Useful for
// local development where no payment rail is running.
type StaticInitiator struct{}

func (StaticInitiator) Initiate(ctx context.Context, workflowID, payeeID string, amount float64) (Initiation, error) {
	return Initiation{Accepted: true, ReferenceID: "local-" + uuid.NewString()}, nil
}
