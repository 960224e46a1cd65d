package protocol

// Bus event names broadcast in-process to subscribers.
const (
	EventConnectionState = "connection.state"
	EventAlertDispatched = "alert.dispatched"
	EventAlertSuppressed = "alert.suppressed"
	EventShutdown        = "shutdown"
)

// Connection statuses of the chat channel.
const (
	StatusDisconnected    = "disconnected"
	StatusConnecting      = "connecting"
	StatusAwaitingQR      = "awaiting_qr"
	StatusAwaitingPairing = "awaiting_pairing"
	StatusQRExpired       = "qr_expired"
	StatusSyncing         = "syncing"
	StatusConnected       = "connected"
	StatusError           = "error"
)

// Authentication methods for linking the chat channel.
const (
	AuthQR      = "qr"
	AuthPairing = "pairing"
)

// Alert categories. Chat categories share one cooldown clock.
const (
	CategoryChatSensor = "chat-sensor-alert"
	CategoryChatEvent  = "chat-event-alert"
	CategoryChatPhoto  = "chat-photo-alert"
	CategoryVoiceCall  = "voice-call-alert"
)

// Default bus topics.
const (
	TopicTelemetry   = "firewatch/sensors/telemetry"
	TopicEvents      = "firewatch/sensors/events"
	TopicAlerts      = "firewatch/vision/alerts"
	TopicPhotoAlerts = "firewatch/vision/alerts/photo"
)
