package protocol

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	gwerrors "github.com/nmxmxh/htpi-gateway/pkg/errors"
	"github.com/nmxmxh/htpi-gateway/pkg/json"
)

// LoginRequest is the auth:login payload.
type LoginRequest struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	RequestID string `json:"requestId,omitempty" validate:"omitempty,max=128"`
}

// TenantRequest is the payload of user:tenant:select, dashboard:subscribe and
// patients:subscribe.
type TenantRequest struct {
	TenantID string `json:"tenantId" validate:"required,max=128"`
}

// PatientAddRequest is the patients:add payload.
type PatientAddRequest struct {
	FirstName   string `json:"firstName" validate:"required,max=100"`
	LastName    string `json:"lastName" validate:"required,max=100"`
	DateOfBirth string `json:"dateOfBirth" validate:"required,datetime=2006-01-02"`
	Email       string `json:"email,omitempty" validate:"omitempty,email"`
	Phone       string `json:"phone,omitempty" validate:"omitempty,max=32"`
	TenantID    string `json:"tenantId" validate:"required,max=128"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Decode unmarshals raw into v and validates it. Every failure is a
// ValidationError naming the offending field.
func Decode(raw json.RawMessage, v any) error {
	if json.IsEmpty(raw) {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return gwerrors.Validation("malformed payload")
	}
	return Validate(v)
}

// Validate runs the struct validation rules on v.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return gwerrors.Validation("invalid payload")
	}
	return gwerrors.Validation(fieldMessage(verrs[0]))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "datetime":
		return fmt.Sprintf("%s must be a date in %s format", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
