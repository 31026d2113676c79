package otelhelper

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrorCodeKey carries the API error code of a failed span.
const ErrorCodeKey = "labrun.error.code"

type coded interface {
	ErrorCode() string
}

// SetError marks span failed with err. When err wraps an error carrying an
// API error code, the code is recorded as ErrorCodeKey. A nil err is a
// no-op.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err == nil {
		return
	}

	var c coded
	if errors.As(err, &c) && c.ErrorCode() != "" {
		attrs = append(attrs, attribute.String(ErrorCodeKey, c.ErrorCode()))
	}

	span.SetAttributes(attrs...)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
