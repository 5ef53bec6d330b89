package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tabeth/sqslocal/models"
	"github.com/tabeth/sqslocal/service"
)

// App wires the protocol layer to the Queue Service. Handlers hang off it
// the same way the teacher's App hangs its handlers off a store.Store.
type App struct {
	Service *service.Service
}

// RegisterRoutes mounts the protocol layer's RPC-style endpoint, both at
// the root (QueueUrl carried entirely in the body) and under a path-style
// /<queue-name> prefix, plus a liveness check, following the teacher's
// RegisterSQSHandlers.
func (app *App) RegisterRoutes(r *chi.Mux) {
	r.Post("/", app.RootSQSHandler)
	r.Post("/{queueName}", app.RootSQSHandler)
	r.Get("/", app.HealthHandler)
}

// HealthHandler answers plain liveness probes; it is not part of the SQS
// wire protocol.
func (app *App) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// resolveQueueURLField reconciles a path-style queue name with a request's
// QueueUrl field in place. Called after decoding, for every action whose
// request carries a QueueUrl.
func resolveQueueURLField(app *App, pathQueueName string, queueURL *string) error {
	resolved, err := app.Service.ResolveQueueURL(pathQueueName, *queueURL)
	if err != nil {
		return err
	}
	*queueURL = resolved
	return nil
}

// resolveQueueNameField is resolveQueueURLField's counterpart for the two
// actions (CreateQueue, GetQueueUrl) that carry a bare QueueName instead.
func resolveQueueNameField(pathQueueName string, queueName *string) error {
	resolved, err := service.ResolveQueueName(pathQueueName, *queueName)
	if err != nil {
		return err
	}
	*queueName = resolved
	return nil
}

func handleCreateQueue(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.CreateQueueRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeCreateQueueQuery(r.Form)
	}
	if err := resolveQueueNameField(pathQueueName, &req.QueueName); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.CreateQueue(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := createQueueResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	out.Result.QueueUrl = resp.QueueUrl
	writeXML(w, http.StatusOK, out)
}

func handleListQueues(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.ListQueuesRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeListQueuesQuery(r.Form)
	}

	resp, err := app.Service.ListQueues(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := listQueuesResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	out.Result.QueueUrl = resp.QueueUrls
	writeXML(w, http.StatusOK, out)
}

func handleGetQueueURL(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.GetQueueURLRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeGetQueueURLQuery(r.Form)
	}
	if err := resolveQueueNameField(pathQueueName, &req.QueueName); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.GetQueueURL(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := getQueueUrlResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	out.Result.QueueUrl = resp.QueueUrl
	writeXML(w, http.StatusOK, out)
}

func handleDeleteQueue(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.DeleteQueueRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeDeleteQueueQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	if err := app.Service.DeleteQueue(requestCtx(r), req); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	writeEmptyResult(app, w, f, requestID, "DeleteQueueResponse")
}

func handleGetQueueAttributes(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.GetQueueAttributesRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeGetQueueAttributesQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.GetQueueAttributes(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := getQueueAttributesResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	out.Result.Attribute = toXMLAttributes(resp.Attributes)
	writeXML(w, http.StatusOK, out)
}

func handleSetQueueAttributes(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.SetQueueAttributesRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeSetQueueAttributesQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	if err := app.Service.SetQueueAttributes(requestCtx(r), req); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	writeEmptyResult(app, w, f, requestID, "SetQueueAttributesResponse")
}

func handleSendMessage(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.SendMessageRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeSendMessageQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.SendMessage(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := sendMessageResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	out.Result.MD5OfMessageBody = resp.MD5OfMessageBody
	out.Result.MD5OfMessageAttributes = resp.MD5OfMessageAttributes
	out.Result.MessageId = resp.MessageId
	if resp.SequenceNumber != nil {
		out.Result.SequenceNumber = *resp.SequenceNumber
	}
	writeXML(w, http.StatusOK, out)
}

func handleSendMessageBatch(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.SendMessageBatchRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeSendMessageBatchQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.SendMessageBatch(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := sendMessageBatchResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	for _, e := range resp.Successful {
		entry := sendMessageBatchResultEntryXML{
			Id:                     e.Id,
			MessageId:              e.MessageId,
			MD5OfMessageBody:       e.MD5OfMessageBody,
			MD5OfMessageAttributes: e.MD5OfMessageAttributes,
		}
		if e.SequenceNumber != nil {
			entry.SequenceNumber = *e.SequenceNumber
		}
		out.Result.SendMessageBatchResultEntry = append(out.Result.SendMessageBatchResultEntry, entry)
	}
	out.Result.BatchResultErrorEntry = toXMLBatchErrors(resp.Failed)
	writeXML(w, http.StatusOK, out)
}

func handleReceiveMessage(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.ReceiveMessageRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeReceiveMessageQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.ReceiveMessage(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := receiveMessageResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	out.Result.Message = toXMLMessages(resp.Messages)
	writeXML(w, http.StatusOK, out)
}

func handleDeleteMessage(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.DeleteMessageRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeDeleteMessageQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	if err := app.Service.DeleteMessage(requestCtx(r), req); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	writeEmptyResult(app, w, f, requestID, "DeleteMessageResponse")
}

func handleDeleteMessageBatch(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.DeleteMessageBatchRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeDeleteMessageBatchQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.DeleteMessageBatch(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := deleteMessageBatchResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	for _, e := range resp.Successful {
		out.Result.DeleteMessageBatchResultEntry = append(out.Result.DeleteMessageBatchResultEntry, deleteMessageBatchResultEntryXML{Id: e.Id})
	}
	out.Result.BatchResultErrorEntry = toXMLBatchErrors(resp.Failed)
	writeXML(w, http.StatusOK, out)
}

func handleChangeMessageVisibility(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.ChangeMessageVisibilityRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeChangeMessageVisibilityQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	if err := app.Service.ChangeMessageVisibility(requestCtx(r), req); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	writeEmptyResult(app, w, f, requestID, "ChangeMessageVisibilityResponse")
}

func handleChangeMessageVisibilityBatch(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.ChangeMessageVisibilityBatchRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodeChangeMessageVisibilityBatchQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	resp, err := app.Service.ChangeMessageVisibilityBatch(requestCtx(r), req)
	if err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, resp)
		return
	}
	out := changeMessageVisibilityBatchResponseXML{Metadata: xmlResponseMetadata{RequestID: requestID}}
	for _, e := range resp.Successful {
		out.Result.ChangeMessageVisibilityBatchResultEntry = append(out.Result.ChangeMessageVisibilityBatchResultEntry, changeMessageVisibilityBatchResultEntryXML{Id: e.Id})
	}
	out.Result.BatchResultErrorEntry = toXMLBatchErrors(resp.Failed)
	writeXML(w, http.StatusOK, out)
}

func handlePurgeQueue(app *App, w http.ResponseWriter, r *http.Request, f framing, requestID, pathQueueName string) {
	var req models.PurgeQueueRequest
	if f == framingJSON {
		if err := decodeJSONBody(r, &req); err != nil {
			app.writeError(w, f, requestID, newSqsError(http.StatusBadRequest, "Sender", "InvalidParameterValue", "Could not parse request body."))
			return
		}
	} else {
		req = decodePurgeQueueQuery(r.Form)
	}
	if err := resolveQueueURLField(app, pathQueueName, &req.QueueUrl); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}

	if err := app.Service.PurgeQueue(requestCtx(r), req); err != nil {
		app.writeError(w, f, requestID, err)
		return
	}
	writeEmptyResult(app, w, f, requestID, "PurgeQueueResponse")
}

func writeEmptyResult(app *App, w http.ResponseWriter, f framing, requestID, xmlName string) {
	if f == framingJSON {
		app.writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	out := emptyResultResponseXML{XMLName: xmlNameOf(xmlName), Metadata: xmlResponseMetadata{RequestID: requestID}}
	writeXML(w, http.StatusOK, out)
}
