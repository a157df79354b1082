// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package autherrors

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// Classify maps err raised by operation onto a ClassifiedError. It returns
// nil for a nil error and returns err unchanged when it is already
// classified.
func Classify(err error, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		if ce.Operation == "" {
			ce.Operation = operation
		}
		return ce
	}

	switch {
	case errors.Is(err, ErrMissingCredentials):
		return &ClassifiedError{
			Category: CategoryAuthentication, Code: "MISSING_CREDENTIALS", Operation: operation,
			Message: "no credential source is configured", Err: err, sentinel: ErrMissingCredentials,
		}
	case errors.Is(err, ErrChallengeRequired):
		return &ClassifiedError{
			Category: CategoryAuthentication, Operation: operation,
			Message: "provider requires an additional challenge", Err: err, sentinel: ErrChallengeRequired,
		}
	case errors.Is(err, context.Canceled):
		return &ClassifiedError{
			Category: CategoryNetwork, Code: "CANCELED", Operation: operation,
			Message: "operation canceled", Err: err,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &ClassifiedError{
			Category: CategoryNetwork, Code: "TIMEOUT", Operation: operation, Retryable: true,
			Message: "operation timed out", Err: err,
		}
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return &ClassifiedError{
			Category: CategoryAuthentication, Code: "RATE_LIMITED", Operation: operation,
			Message: rl.Error(), RetryAfter: time.Duration(rl.RetryAfterSeconds) * time.Second, Err: err,
		}
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return classifyOAuth2(retrieveErr, operation)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyAWS(err, apiErr, operation)
	}

	var azAuthErr *azidentity.AuthenticationFailedError
	if errors.As(err, &azAuthErr) {
		return classifyHTTPStatus(err, operation, statusOf(azAuthErr.RawResponse), "", retryAfterHeader(azAuthErr.RawResponse))
	}
	var azRespErr *azcore.ResponseError
	if errors.As(err, &azRespErr) {
		return classifyHTTPStatus(err, operation, azRespErr.StatusCode, azRespErr.ErrorCode, retryAfterHeader(azRespErr.RawResponse))
	}

	if isNetworkError(err) {
		return &ClassifiedError{
			Category: CategoryNetwork, Operation: operation, Retryable: true,
			Message: err.Error(), Err: err,
		}
	}

	if IsFederationOp(operation) {
		return &ClassifiedError{
			Category: CategoryFederation, Operation: operation, Retryable: true,
			Message: err.Error(), Err: err,
		}
	}
	return &ClassifiedError{
		Category: CategoryUnknown, Operation: operation, Retryable: true,
		Message: err.Error(), Err: err,
	}
}

func isNetworkError(err error) bool {
	var connErr interface{ ConnectionError() bool }
	if errors.As(err, &connErr) && connErr.ConnectionError() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// rejection returns the category and sentinel for a provider that refused
// the presented credential during operation.
func rejection(operation string) (Category, error) {
	switch {
	case operation == OpRefresh:
		return CategoryTokenRefresh, ErrRefreshRejected
	case IsFederationOp(operation):
		return CategoryFederation, nil
	default:
		return CategoryAuthentication, ErrInvalidCredentials
	}
}

func classifyAWS(err error, apiErr smithy.APIError, operation string) *ClassifiedError {
	code := apiErr.ErrorCode()
	ce := &ClassifiedError{Code: code, Operation: operation, Err: err}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.Response != nil {
		ce.RetryAfter = retryAfterHeader(respErr.Response.Response)
	}

	switch code {
	case "NotAuthorizedException", "UserNotFoundException", "AccessDenied", "AccessDeniedException":
		ce.Category, ce.sentinel = rejection(operation)
		ce.Message = "provider rejected the presented credential"
	case "PasswordResetRequiredException", "UserNotConfirmedException", "InvalidPasswordException":
		ce.Category, ce.sentinel = CategoryAuthentication, ErrInvalidCredentials
		ce.Message = "account cannot sign in until it is fixed by an administrator"
	case "TooManyRequestsException", "ThrottlingException", "Throttling", "LimitExceededException",
		"RequestLimitExceeded", "TooManyFailedAttemptsException":
		ce.Category, ce.Retryable = CategoryThrottling, true
		ce.Message = "provider throttled the request"
	case "InvalidIdentityTokenException", "ExpiredTokenException", "IDPRejectedClaimException":
		ce.Category = CategoryFederation
		ce.Message = "federation service rejected the identity token"
	case "IDPCommunicationErrorException", "ExternalServiceException":
		ce.Category, ce.Retryable = CategoryFederation, true
		ce.Message = "federation service could not reach the identity provider"
	case "ResourceNotFoundException":
		ce.Category = CategoryUnknown
		if IsFederationOp(operation) {
			ce.Category = CategoryFederation
		}
		ce.Message = "referenced pool or identity does not exist"
	case "InvalidParameterException", "InvalidUserPoolConfigurationException", "InvalidLambdaResponseException",
		"ValidationError", "MalformedPolicyDocument":
		ce.Category = CategoryUnknown
		ce.Message = "request was rejected as misconfigured"
	case "InternalErrorException", "InternalFailure", "InternalServerError", "ServiceUnavailable", "ServiceUnavailableException":
		ce.Category, ce.Retryable = CategoryUnknown, true
		if IsFederationOp(operation) {
			ce.Category = CategoryFederation
		}
		ce.Message = "provider reported an internal error"
	default:
		ce.Category, ce.Retryable = CategoryUnknown, true
		if IsFederationOp(operation) {
			ce.Category = CategoryFederation
		}
		ce.Message = "provider returned an unexpected error"
	}
	return ce
}

func classifyOAuth2(re *oauth2.RetrieveError, operation string) *ClassifiedError {
	code := re.ErrorCode
	if code == "" {
		// Some servers nest the code or omit the RFC 6749 fields entirely.
		if v := gjson.GetBytes(re.Body, "error"); v.Type == gjson.String {
			code = v.Str
		} else {
			code = gjson.GetBytes(re.Body, "error.code").String()
		}
	}
	ce := &ClassifiedError{Code: code, Operation: operation, Err: re}
	switch code {
	case "invalid_grant":
		ce.Category, ce.sentinel = rejection(operation)
		ce.Message = "provider rejected the grant"
		return ce
	case "invalid_client", "unauthorized_client", "access_denied", "invalid_scope", "unsupported_grant_type":
		ce.Category = CategoryAuthentication
		ce.Message = "provider rejected the client configuration"
		return ce
	case "slow_down", "temporarily_unavailable":
		ce.Category, ce.Retryable = CategoryThrottling, true
		ce.RetryAfter = retryAfterHeader(re.Response)
		ce.Message = "provider asked the client to slow down"
		return ce
	}
	return classifyHTTPStatus(re, operation, statusOf(re.Response), code, retryAfterHeader(re.Response))
}

func classifyHTTPStatus(err error, operation string, status int, code string, retryAfter time.Duration) *ClassifiedError {
	ce := &ClassifiedError{Code: code, Operation: operation, Err: err, RetryAfter: retryAfter}
	if ce.Code == "" && status != 0 {
		ce.Code = "HTTP_" + strconv.Itoa(status)
	}
	switch {
	case status == http.StatusTooManyRequests:
		ce.Category, ce.Retryable = CategoryThrottling, true
		ce.Message = "provider throttled the request"
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest:
		ce.Category, ce.sentinel = rejection(operation)
		ce.Message = "provider rejected the request"
	case status >= 500:
		ce.Category, ce.Retryable = CategoryUnknown, true
		if IsFederationOp(operation) {
			ce.Category = CategoryFederation
		}
		ce.Message = "provider reported a server error"
	default:
		ce.Category, ce.Retryable = CategoryUnknown, true
		if IsFederationOp(operation) {
			ce.Category = CategoryFederation
		}
		ce.Message = "provider returned an unexpected response"
	}
	return ce
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// retryAfterHeader parses a Retry-After header in either delta-seconds or
// HTTP-date form.
func retryAfterHeader(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
