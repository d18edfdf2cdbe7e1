package common

import "testing"

func TestConstantsValues(t *testing.T) {
	if ContentTypeJSON != "application/json" {
		t.Fatalf("ContentTypeJSON = %q", ContentTypeJSON)
	}
	if PathHealthz != "/healthz" || PathUpload != "/upload" {
		t.Fatalf("paths mismatch: %q, %q", PathHealthz, PathUpload)
	}
	if PathProcessed != "/processed" || PathDownload != "/download" {
		t.Fatalf("paths mismatch: %q, %q", PathProcessed, PathDownload)
	}
	if FormFieldImage != "image" {
		t.Fatalf("FormFieldImage = %q", FormFieldImage)
	}
	if DefaultWorkerCount <= 0 || DefaultPollAttempts <= 0 {
		t.Fatalf("defaults should be positive")
	}
	if MimeImageHEIC != "image/heic" || MimeImagePNG != "image/png" {
		t.Fatalf("mime constants mismatch")
	}
	if ExtHEIC != ".heic" || ExtPNG != ".png" {
		t.Fatalf("extension constants mismatch")
	}
	if UploadsDirName == "" || ResultsDirName == "" {
		t.Fatalf("dir names should be non-empty")
	}
	if StatusPending == StatusComplete || StatusFailed == StatusNotFound {
		t.Fatalf("status constants must be distinct")
	}
}
