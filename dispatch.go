package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tabeth/sqslocal/models"
)

// framing identifies which of the two accepted wire protocols a request
// used: AWS's JSON-RPC-over-HTTP (an X-Amz-Target header) or the older
// query/form protocol (an Action parameter).
type framing int

const (
	framingJSON framing = iota
	framingQuery
)

// RootSQSHandler is the single entry point for both accepted framings and
// both accepted routes (POST / with the queue named in the body, or POST
// /<queue-name> with the queue named in the path), the same dual-protocol
// role AWS SQS's own endpoint plays.
func (app *App) RootSQSHandler(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	pathQueueName := chi.URLParam(r, "queueName")

	if target := r.Header.Get("X-Amz-Target"); target != "" {
		action := target
		if idx := strings.LastIndex(target, "."); idx != -1 {
			action = target[idx+1:]
		}
		app.dispatch(w, r, action, framingJSON, requestID, pathQueueName)
		return
	}

	if err := r.ParseForm(); err != nil {
		app.writeError(w, framingQuery, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
		return
	}
	action := r.FormValue("Action")
	app.dispatch(w, r, action, framingQuery, requestID, pathQueueName)
}

func (app *App) dispatch(w http.ResponseWriter, r *http.Request, action string, f framing, requestID, pathQueueName string) {
	handler, ok := actionTable[action]
	if !ok {
		app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidAction", "The action "+action+" is not valid for this endpoint."))
		return
	}
	handler(app, w, r, f, requestID, pathQueueName)
}

type actionFunc func(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string)

var actionTable = map[string]actionFunc{
	"CreateQueue":                  handleCreateQueue,
	"ListQueues":                   handleListQueues,
	"GetQueueUrl":                  handleGetQueueURL,
	"DeleteQueue":                  handleDeleteQueue,
	"GetQueueAttributes":           handleGetQueueAttributes,
	"SetQueueAttributes":           handleSetQueueAttributes,
	"SendMessage":                  handleSendMessage,
	"SendMessageBatch":             handleSendMessageBatch,
	"ReceiveMessage":               handleReceiveMessage,
	"DeleteMessage":                handleDeleteMessage,
	"DeleteMessageBatch":           handleDeleteMessageBatch,
	"ChangeMessageVisibility":      handleChangeMessageVisibility,
	"ChangeMessageVisibilityBatch": handleChangeMessageVisibilityBatch,
	"PurgeQueue":                   handlePurgeQueue,
}

func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (app *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/x-amz-json-1.0")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (app *App) writeError(w http.ResponseWriter, f framing, requestID string, err error) {
	sqsErr := mapError(err)
	if f == framingQuery {
		writeXMLError(w, requestID, sqsErr)
		return
	}
	app.writeJSON(w, sqsErr.HTTPStatus, models.ErrorResponse{
		Type:    "com.amazonaws.sqs#" + sqsErr.Code,
		Message: sqsErr.Message,
	})
}

func requestCtx(r *http.Request) context.Context { return r.Context() }
