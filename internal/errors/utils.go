package errors

import (
	"errors"
)

// Wrap wraps an error with additional context, creating a PockError if the input is not already one
func Wrap(err error, errType ErrorType, code, message string) *PockError {
	if err == nil {
		return nil
	}

	// If it's already a PockError, preserve its properties but update the message
	var pe *PockError
	if errors.As(err, &pe) {
		return &PockError{
			Type:        errType,
			Code:        code,
			Message:     message,
			Cause:       pe,
			Context:     pe.Context,
			Component:   pe.Component,
			FilePath:    pe.FilePath,
			Recoverable: pe.Recoverable,
		}
	}

	return &PockError{
		Type:        errType,
		Code:        code,
		Message:     message,
		Cause:       err,
		Recoverable: false,
	}
}

// WrapConfig wraps an error as a configuration error
func WrapConfig(err error, code, message string) *PockError {
	pockErr := Wrap(err, ErrorTypeConfig, code, message)
	if pockErr != nil {
		pockErr.Recoverable = false
	}
	return pockErr
}

// WrapIO wraps an error as an I/O error
func WrapIO(err error, code, message string) *PockError {
	pockErr := Wrap(err, ErrorTypeIO, code, message)
	if pockErr != nil {
		pockErr.Recoverable = false
	}
	return pockErr
}

// WrapInternal wraps an error as an internal error
func WrapInternal(err error, code, message string) *PockError {
	pockErr := Wrap(err, ErrorTypeInternal, code, message)
	if pockErr != nil {
		pockErr.Recoverable = false
	}
	return pockErr
}

// FormatError formats an error for user display
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var pe *PockError
	if errors.As(err, &pe) {
		return pe.Error()
	}

	return err.Error()
}

// GetErrorContext extracts context information from a PockError
func GetErrorContext(err error) map[string]interface{} {
	var pe *PockError
	if errors.As(err, &pe) {
		context := make(map[string]interface{})
		for k, v := range pe.Context {
			context[k] = v
		}
		if pe.Component != "" {
			context["component"] = pe.Component
		}
		if pe.FilePath != "" {
			context["file"] = pe.FilePath
		}
		context["type"] = string(pe.Type)
		context["code"] = pe.Code
		context["recoverable"] = pe.Recoverable
		return context
	}

	return map[string]interface{}{
		"message": err.Error(),
		"type":    "unknown",
	}
}
