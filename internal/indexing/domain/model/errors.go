package model

import (
	"errors"

	"github.com/linkflow-ai/contentindex/internal/indexing/schema"
)

var (
	// ErrLocked is returned when the index writer lock is held elsewhere
	ErrLocked = errors.New("index writer is locked")

	// ErrEntityNotFound is returned when a row no longer exists
	ErrEntityNotFound = errors.New("entity not found")

	// ErrAdapterUnknown is returned for classes without a registered adapter
	ErrAdapterUnknown = errors.New("no adapter registered for class")

	// ErrDocumentValidation is returned when the index store rejects a document
	ErrDocumentValidation = errors.New("document rejected by index store")

	// ErrSchemaFrozen is returned when a field is added after the index is open
	ErrSchemaFrozen = schema.ErrSchemaFrozen

	// ErrQueryParse is returned for malformed search queries
	ErrQueryParse = errors.New("unable to parse query")

	// ErrUnknownIndex is returned when an index name is not configured
	ErrUnknownIndex = errors.New("unknown index")

	// ErrUnknownClass is returned when a class name is not registered
	ErrUnknownClass = errors.New("unknown class")
)
