package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// API paths
const (
	PathHealthz   = "/healthz"
	PathUpload    = "/upload"
	PathProcessed = "/processed"
	PathDownload  = "/download"
)

// Multipart form field carrying the uploaded image.
const FormFieldImage = "image"

// Defaults and limits
const (
	DefaultWorkerCount  = 4
	DefaultPollAttempts = 12
	SQLiteBusyTimeoutMS = 5000
)

// MIME types and extensions
const (
	MimeImageHEIC = "image/heic"
	MimeImageHEIF = "image/heif"
	MimeImagePNG  = "image/png"
	ExtHEIC       = ".heic"
	ExtPNG        = ".png"
)

// Subdirectory names
const (
	UploadsDirName = "uploads"
	ResultsDirName = "results"
	WorkDirName    = "work"
)

// Status strings reported by the status endpoint
const (
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusNotFound = "not_found"
)
