package logging

import "log/slog"

// Field names shared by every relay service.
const (
	FieldService       = "service"
	FieldRequestID     = "request_id"
	FieldSubscriberID  = "subscriber_id"
	FieldEnvironmentID = "environment_id"
	FieldTenantID      = "tenant_id"
	FieldConnectionID  = "connection_id"
	FieldNodeID        = "node_id"
	FieldEvent         = "event"
	FieldChannel       = "channel"
	FieldWorkflowID    = "workflow_id"
	FieldStepID        = "step_id"
	FieldMessageID     = "message_id"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldStatus        = "status"
	FieldDuration      = "duration_ms"
	FieldError         = "error"
)

// Service returns the service name attribute.
func Service(name string) slog.Attr { return slog.String(FieldService, name) }

// SubscriberID returns the subscriber attribute.
func SubscriberID(id string) slog.Attr { return slog.String(FieldSubscriberID, id) }

// EnvironmentID returns the environment attribute.
func EnvironmentID(id string) slog.Attr { return slog.String(FieldEnvironmentID, id) }

// TenantID returns the tenant (organization) attribute.
func TenantID(id string) slog.Attr { return slog.String(FieldTenantID, id) }

// ConnectionID returns the connection attribute.
func ConnectionID(id string) slog.Attr { return slog.String(FieldConnectionID, id) }

// NodeID returns the gateway node attribute.
func NodeID(id string) slog.Attr { return slog.String(FieldNodeID, id) }

// Event returns the routing event kind attribute.
func Event(kind string) slog.Attr { return slog.String(FieldEvent, kind) }

// Channel returns the delivery channel attribute.
func Channel(ch string) slog.Attr { return slog.String(FieldChannel, ch) }

// WorkflowID returns the workflow attribute.
func WorkflowID(id string) slog.Attr { return slog.String(FieldWorkflowID, id) }

// StepID returns the workflow step attribute.
func StepID(id string) slog.Attr { return slog.String(FieldStepID, id) }

// MessageID returns the message attribute.
func MessageID(id string) slog.Attr { return slog.String(FieldMessageID, id) }

// Method returns the HTTP method attribute.
func Method(method string) slog.Attr { return slog.String(FieldMethod, method) }

// Path returns the HTTP path attribute.
func Path(path string) slog.Attr { return slog.String(FieldPath, path) }

// Status returns the HTTP status attribute.
func Status(code int) slog.Attr { return slog.Int(FieldStatus, code) }

// Duration returns a duration attribute in milliseconds.
func Duration(ms int64) slog.Attr { return slog.Int64(FieldDuration, ms) }

// Error returns the error attribute. A nil error renders as an empty string.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
