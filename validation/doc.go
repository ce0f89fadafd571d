// Package validation validates configuration structs and request bodies.
//
// Struct tags are checked with go-playground/validator; field names in the
// resulting errors follow the mapstructure tag (config keys) or the json tag
// (request bodies). Checks that relate two fields are collected with a
// Validator and merged into the same AppError.
//
// # Struct Tag Validation
//
//	type PublishRequest struct {
//	    Message string `json:"message" validate:"required,max=4096"`
//	}
//	err := validation.Validate(req)
//
// # Cross-field checks
//
//	v := validation.New().Merge(validation.Validate(cfg))
//	v.Custom(hb < session, "heartbeat_interval", "must be shorter than session_timeout")
//	err := v.Validate()
package validation
