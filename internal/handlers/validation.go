package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	appErrors "github.com/charlesng35/unlockd/pkg/errors"
	"github.com/charlesng35/unlockd/pkg/response"
	appValidator "github.com/charlesng35/unlockd/pkg/validator"
)

// bindAndValidate binds the JSON payload into dest and runs struct validation rules.
// When validation fails, an error response is automatically written and false is returned.
func bindAndValidate[T any](c *gin.Context, dest *T) bool {
	return bindJSON(c, dest, false)
}

// bindOptionalJSON is bindAndValidate for endpoints whose body may be empty.
// An empty body, chunked or not, leaves dest at its zero value.
func bindOptionalJSON[T any](c *gin.Context, dest *T) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	return bindJSON(c, dest, true)
}

func bindJSON[T any](c *gin.Context, dest *T, allowEmpty bool) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		response.Error(c, appErrors.NewInvalidRequest("invalid JSON payload"))
		return false
	}

	if err := appValidator.ValidateStruct(dest); err != nil {
		response.Error(c, appErrors.NewInvalidRequest(formatValidationError(err)))
		return false
	}

	return true
}

func formatValidationError(err error) string {
	if err == nil {
		return "invalid request payload"
	}

	if ve, ok := err.(appValidator.ValidationErrors); ok {
		if len(ve) == 0 {
			return "invalid request payload"
		}

		messages := make([]string, 0, len(ve))
		for _, failure := range ve {
			field := prettifyFieldName(failure.Field)
			switch failure.Tag {
			case "required":
				messages = append(messages, fmt.Sprintf("%s is required", field))
			case "email":
				messages = append(messages, fmt.Sprintf("%s must be a valid email address", field))
			case "max":
				messages = append(messages, fmt.Sprintf("%s must be at most %s characters", field, failure.Param))
			case "keytype":
				messages = append(messages, fmt.Sprintf("%s must be exam or pre", field))
			case "unlockcode":
				messages = append(messages, fmt.Sprintf("%s must not contain whitespace", field))
			case "oneof":
				messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, failure.Param))
			default:
				if failure.Param != "" {
					messages = append(messages, fmt.Sprintf("%s failed validation: %s=%s", field, failure.Tag, failure.Param))
				} else {
					messages = append(messages, fmt.Sprintf("%s failed validation: %s", field, failure.Tag))
				}
			}
		}
		return strings.Join(messages, "; ")
	}

	return "invalid request payload"
}

func prettifyFieldName(name string) string {
	if name == "" {
		return "field"
	}
	name = strings.ReplaceAll(name, "_", " ")
	return strings.ToLower(name)
}

// lenientInt decodes numbers and numeric strings. Anything else decodes to
// "absent" so the service default applies instead of a 400.
type lenientInt struct {
	value *int
}

func (l *lenientInt) UnmarshalJSON(data []byte) error {
	l.value = nil
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var number float64
	if err := json.Unmarshal(data, &number); err == nil {
		l.set(number)
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			l.set(parsed)
		}
	}
	return nil
}

func (l *lenientInt) set(number float64) {
	if math.IsNaN(number) || math.IsInf(number, 0) {
		return
	}
	// Out of int range saturates; the service clamps afterwards.
	number = math.Max(math.Min(math.Trunc(number), math.MaxInt32), math.MinInt32)
	v := int(number)
	l.value = &v
}

// Ptr returns nil when the field was absent or unusable.
func (l lenientInt) Ptr() *int {
	return l.value
}
