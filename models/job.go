package models

import "time"

// Status is the lifecycle state of a job. Transitions only move forward
// (pending -> processing -> completed/failed); the single exception is an
// explicit requeue back to pending on a transient failure below the
// attempt limit.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ConversionType identifies the requested input->output transformation.
type ConversionType string

const (
	DocxToPDF ConversionType = "docx_to_pdf"
	PDFToDocx ConversionType = "pdf_to_docx"
	PDFToJPG  ConversionType = "pdf_to_jpg"
	PDFToPNG  ConversionType = "pdf_to_png"
	JPGToPDF  ConversionType = "jpg_to_pdf"
	PNGToPDF  ConversionType = "png_to_pdf"
)

// InputExt returns the file extension the conversion expects as input,
// without the leading dot.
func (c ConversionType) InputExt() string {
	switch c {
	case DocxToPDF:
		return "docx"
	case PDFToDocx, PDFToJPG, PDFToPNG:
		return "pdf"
	case JPGToPDF:
		return "jpg"
	case PNGToPDF:
		return "png"
	}
	return ""
}

// OutputExt returns the extension of the produced artifact for a
// single-page result. Multi-page image renders are delivered as a zip
// instead; callers derive the final name from the stored content type.
func (c ConversionType) OutputExt() string {
	switch c {
	case DocxToPDF, JPGToPDF, PNGToPDF:
		return "pdf"
	case PDFToDocx:
		return "docx"
	case PDFToJPG:
		return "jpg"
	case PDFToPNG:
		return "png"
	}
	return ""
}

// Job is the durable record of one conversion request. The record is the
// single source of truth for job state; queue messages only reference it
// by id.
type Job struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"-"`
	Filename       string         `json:"filename"`
	OriginalSize   int64          `json:"originalSize"`
	InputFormat    string         `json:"inputFormat"`
	ConversionType ConversionType `json:"conversionType"`
	Status         Status         `json:"status"`
	InputKey       string         `json:"-"`
	OutputKey      string         `json:"-"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	AttemptCount   int            `json:"attemptCount"`
	CreatedAt      time.Time      `json:"createdAt"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// QueueMessage is the routing token published to a work queue. It carries
// only a reference to the job, never job state.
type QueueMessage struct {
	JobID          string         `json:"jobId"`
	ConversionType ConversionType `json:"conversionType"`
	Attempt        int            `json:"attempt"`
}

// StatusUpdate carries the fields written alongside a conditional status
// transition. Zero values are left untouched.
type StatusUpdate struct {
	StartedAt    *time.Time
	CompletedAt  *time.Time
	OutputKey    string
	ErrorMessage string
	AttemptCount int
}
