package templates

// Template is a registry entry: the subject line and the text used when the
// caller supplies no message of its own.
type Template struct {
	Subject     string
	DefaultText string
}

const (
	RequestSubmitted       = "request_submitted"
	RequestPendingApproval = "request_pending_approval"
	RequestApproved        = "request_approved"
	RequestRejected        = "request_rejected"
	RequestCancelled       = "request_cancelled"
	DriverAssigned         = "driver_assigned"
	TripReminder           = "trip_reminder"
	MaintenanceDue         = "maintenance_due"
	PasswordReset          = "password_reset"
	QueueFailureAlert      = "queue_failure_alert"
)

var registry = map[string]Template{
	RequestSubmitted: {
		Subject:     "Vehicle Request Submitted",
		DefaultText: "Your vehicle request has been submitted and is awaiting approval.",
	},
	RequestPendingApproval: {
		Subject:     "Vehicle Request Awaiting Your Approval",
		DefaultText: "A vehicle request is waiting for your review.",
	},
	RequestApproved: {
		Subject:     "Vehicle Request Approved",
		DefaultText: "Your vehicle request has been approved.",
	},
	RequestRejected: {
		Subject:     "Vehicle Request Rejected",
		DefaultText: "Your vehicle request has been rejected.",
	},
	RequestCancelled: {
		Subject:     "Vehicle Request Cancelled",
		DefaultText: "A vehicle request has been cancelled.",
	},
	DriverAssigned: {
		Subject:     "Driver Assigned to Your Trip",
		DefaultText: "A driver has been assigned to your approved vehicle request.",
	},
	TripReminder: {
		Subject:     "Upcoming Trip Reminder",
		DefaultText: "This is a reminder about your upcoming trip.",
	},
	MaintenanceDue: {
		Subject:     "Vehicle Maintenance Due",
		DefaultText: "A vehicle in your department is due for scheduled maintenance.",
	},
	PasswordReset: {
		Subject:     "Password Reset Request",
		DefaultText: "A password reset was requested for your account.",
	},
	QueueFailureAlert: {
		Subject:     "Email Queue Failure Alert",
		DefaultText: "The email queue has recorded an unusual number of failed deliveries.",
	},
}

// critical templates are also sent synchronously at enqueue time.
var critical = map[string]bool{
	RequestSubmitted: true,
	RequestApproved:  true,
	RequestRejected:  true,
	DriverAssigned:   true,
}

func Lookup(key string) (Template, bool) {
	t, ok := registry[key]
	return t, ok
}

func IsCritical(key string) bool {
	return critical[key]
}

// Keys returns every registered template key.
func Keys() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	return keys
}
