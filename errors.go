package main

import (
	"errors"
	"net/http"

	"github.com/tabeth/sqslocal/service"
	"github.com/tabeth/sqslocal/store"
)

// SqsError is the single error shape that flows from the Queue Service up
// through the protocol layer, carrying everything needed to render either
// an XML or a JSON AWS-style error body.
type SqsError struct {
	HTTPStatus int
	Type       string // "Sender" or "Receiver"
	Code       string
	Message    string
}

func (e *SqsError) Error() string { return e.Message }

func newSqsError(status int, typ, code, message string) *SqsError {
	return &SqsError{HTTPStatus: status, Type: typ, Code: code, Message: message}
}

// mapError translates a service/store error into the AWS error taxonomy.
// Anything unrecognized becomes an opaque InternalError with Type=Receiver,
// since leaking internal error text to a client is itself a bug.
func mapError(err error) *SqsError {
	var sqsErr *SqsError
	if errors.As(err, &sqsErr) {
		return sqsErr
	}

	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return newSqsError(http.StatusBadRequest, "Sender", "AWS.SimpleQueueService.NonExistentQueue", "The specified queue does not exist.")
	case errors.Is(err, store.ErrQueueExists):
		return newSqsError(http.StatusBadRequest, "Sender", "QueueAlreadyExists", "A queue with this name already exists with different attributes.")
	case errors.Is(err, store.ErrQueueDeletedRecently):
		return newSqsError(http.StatusBadRequest, "Sender", "AWS.SimpleQueueService.QueueDeletedRecently", "You must wait 60 seconds after deleting a queue before you can create another with the same name.")
	case errors.Is(err, store.ErrReceiptHandleInvalid):
		return newSqsError(http.StatusBadRequest, "Sender", "ReceiptHandleIsInvalid", "The receipt handle provided is not valid.")

	case errors.Is(err, service.ErrInvalidQueueName):
		return newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Can only include alphanumeric characters, hyphens, or underscores, up to 80 characters, optionally ending in .fifo.")
	case errors.Is(err, service.ErrMissingParameter):
		return newSqsError(http.StatusBadRequest, "Sender", "MissingParameter", err.Error())
	case errors.Is(err, service.ErrMessageTooLarge):
		return newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "One or more parameters are invalid. Message body exceeds the maximum message size.")
	case errors.Is(err, service.ErrBatchEmpty):
		return newSqsError(http.StatusBadRequest, "Sender", "AWS.SimpleQueueService.EmptyBatchRequest", "There are no entries in the batch request.")
	case errors.Is(err, service.ErrBatchTooLarge):
		return newSqsError(http.StatusBadRequest, "Sender", "AWS.SimpleQueueService.TooManyEntriesInBatchRequest", "Maximum number of entries per request are 10.")
	case errors.Is(err, service.ErrDuplicateBatchID):
		return newSqsError(http.StatusBadRequest, "Sender", "AWS.SimpleQueueService.BatchEntryIdsNotDistinct", "Id values for batch entries must be distinct.")
	case errors.Is(err, service.ErrFifoRequiresGroupID),
		errors.Is(err, service.ErrFifoRequiresDedupID),
		errors.Is(err, service.ErrFifoDelayNotSupported),
		errors.Is(err, service.ErrNotFifoParameter),
		errors.Is(err, service.ErrInvalidParameterValue),
		errors.Is(err, service.ErrRedriveTargetNotFound),
		errors.Is(err, service.ErrRedriveTargetHasPolicy),
		errors.Is(err, service.ErrQueueURLMismatch):
		return newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", err.Error())
	}

	return newSqsError(http.StatusInternalServerError, "Receiver", "InternalError", "An internal error occurred.")
}
