// Package agent reaches the remote subsystems (repository analysis, provisioning,
// credentials, deployment, DNS/SSL) through a single operation interface.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Service names used by the pipeline and recovery actions.
const (
	ServiceRepositoryAnalysis = "repository-analysis"
	ServiceInfrastructure     = "infrastructure"
	ServiceCredentials        = "credentials"
	ServiceDeployment         = "deployment"
	ServiceDNSSSL             = "dns-ssl"
)

// Caller invokes one named operation on a remote service.
type Caller interface {
	Call(ctx context.Context, service, operation string, args map[string]any, authToken string) (Result, error)
}

// Result is the decoded result payload of a successful call.
type Result map[string]any

// Decode converts the result into a typed value through its JSON form.
func (r Result) Decode(into any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// String returns a string field or "".
func (r Result) String(key string) string {
	v, _ := r[key].(string)
	return v
}

// Bool returns a boolean field or false.
func (r Result) Bool(key string) bool {
	v, _ := r[key].(bool)
	return v
}

// CallError wraps a transport-level failure reaching a service.
type CallError struct {
	Service   string
	Operation string
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Operation, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// OperationError is a remote operation that ran and reported failure.
// Its message is the remote error text unchanged so it can be classified.
type OperationError struct {
	Service   string
	Operation string
	Message   string
}

func (e *OperationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s.%s reported failure", e.Service, e.Operation)
	}
	return e.Message
}
