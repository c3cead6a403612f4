// Package secrets resolves credentials that are kept out of the config file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the part of *ssm.Client used by ParamStore.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Getter reads one named secret.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ParamStore reads decrypted values from AWS SSM Parameter Store.
type ParamStore struct {
	api ssmAPI
}

// NewParamStore wraps api.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("secrets: ssm api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

// GetParameter returns the decrypted value of name.
func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secrets: parameter name is required")
	}
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: ptr(true),
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("secrets: parameter %q has no value", name)
	}
	return strings.TrimSpace(*out.Parameter.Value), nil
}

// Resolve returns literal when set, otherwise the value of param read through g.
// Both empty yields "" and no error.
func Resolve(ctx context.Context, g Getter, literal, param string) (string, error) {
	if v := strings.TrimSpace(literal); v != "" {
		return v, nil
	}
	if strings.TrimSpace(param) == "" {
		return "", nil
	}
	if g == nil {
		return "", fmt.Errorf("secrets: no parameter store for %q", param)
	}
	return g.GetParameter(ctx, param)
}

func ptr[T any](v T) *T { return &v }
