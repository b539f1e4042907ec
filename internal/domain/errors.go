package domain

import "errors"

// Scorer failure classes shared by every scoring backend.
var (
	ErrScorerUnauthorized   = errors.New("scorer rejected the credentials")
	ErrScorerNotFound       = errors.New("scorer workflow not found")
	ErrScorerDocumentType   = errors.New("scorer rejected every document type")
	ErrScorerExhausted      = errors.New("scorer retries exhausted")
	ErrScorerNotConfigured  = errors.New("scorer is not configured")
	ErrScorerUploadRejected = errors.New("scorer rejected the upload")
)
