package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// HTTPVerifier talks to the identity-verification service.
type HTTPVerifier struct {
	BaseURL string
	Client  *http.Client
}

func (v *HTTPVerifier) client() *http.Client {
	if v.Client != nil {
		return v.Client
	}
	return http.DefaultClient
}

func (v *HTTPVerifier) VerifyCompany(ctx context.Context, registrationID string) (CompanyVerification, error) {
	var res struct {
		Verified    bool   `json:"verified"`
		DisplayName string `json:"display_name"`
	}
	if err := v.get(ctx, "/v1/companies/"+url.PathEscape(registrationID), &res); err != nil {
		return CompanyVerification{}, err
	}
	return CompanyVerification{Verified: res.Verified, DisplayName: res.DisplayName}, nil
}

func (v *HTTPVerifier) VerifyGuardCertificate(ctx context.Context, certificateID string) (bool, error) {
	var res struct {
		Valid bool `json:"valid"`
	}
	if err := v.get(ctx, "/v1/certificates/"+url.PathEscape(certificateID), &res); err != nil {
		return false, err
	}
	return res.Valid, nil
}

func (v *HTTPVerifier) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(v.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	res, err := v.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("verifier returned status %d", res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// StaticVerifier approves everything. Useful for local development where no
// verification service is running.
type StaticVerifier struct{}

func (StaticVerifier) VerifyCompany(ctx context.Context, registrationID string) (CompanyVerification, error) {
	return CompanyVerification{Verified: true, DisplayName: registrationID}, nil
}

func (StaticVerifier) VerifyGuardCertificate(ctx context.Context, certificateID string) (bool, error) {
	return true, nil
}
