package validator

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Register custom validations
	registerCustomValidations()
}

func registerCustomValidations() {
	// Vehicle year plausibility: nothing older than 1950, nothing
	// later than next model year.
	validate.RegisterValidation("vehicle_year", func(fl validator.FieldLevel) bool {
		year := int(fl.Field().Int())
		return year >= 1950 && year <= time.Now().Year()+1
	})

	// Analysis type validation
	validate.RegisterValidation("analysis_type", func(fl validator.FieldLevel) bool {
		t := fl.Field().String()
		validTypes := []string{"standard", "detailed", ""}
		for _, v := range validTypes {
			if t == v {
				return true
			}
		}
		return false
	})

	// Storage key validation: keys are relative object paths.
	validate.RegisterValidation("storage_key", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key == "" || len(key) > 512 {
			return false
		}
		return !strings.HasPrefix(key, "/") && !strings.Contains(key, "..")
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	errors := make(map[string]string)
	for _, err := range err.(validator.ValidationErrors) {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "vehicle_year":
			errors[field] = "Invalid vehicle year. Must be between 1950 and " + strconv.Itoa(time.Now().Year()+1)
		case "analysis_type":
			errors[field] = "Invalid analysis type. Must be: standard or detailed"
		case "storage_key":
			errors[field] = "Invalid storage key"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
