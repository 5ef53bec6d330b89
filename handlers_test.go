package main

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tabeth/sqslocal/models"
	"github.com/tabeth/sqslocal/service"
	"github.com/tabeth/sqslocal/store"
	"github.com/tabeth/sqslocal/waitregistry"
)

func newTestApp(t *testing.T) *chi.Mux {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	svc := service.New(s, waitregistry.New(), "http://localhost:9324", nil)
	app := &App{Service: svc}
	r := chi.NewRouter()
	app.RegisterRoutes(r)
	return r
}

func doJSON(r *chi.Mux, action string, body any) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(buf))
	req.Header.Set("X-Amz-Target", "AmazonSQS."+action)
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func doQuery(r *chi.Mux, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func doJSONPath(r *chi.Mux, path, action string, body any) *httptest.ResponseRecorder {
	buf, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("X-Amz-Target", "AmazonSQS."+action)
	req.Header.Set("Content-Type", "application/x-amz-json-1.0")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCreateQueue_JSONFraming(t *testing.T) {
	r := newTestApp(t)
	rec := doJSON(r, "CreateQueue", models.CreateQueueRequest{QueueName: "orders"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.CreateQueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.QueueUrl, "orders")
}

func TestCreateQueue_QueryFraming(t *testing.T) {
	r := newTestApp(t)
	rec := doQuery(r, url.Values{"Action": {"CreateQueue"}, "QueueName": {"orders"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp createQueueResponseXML
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.Result.QueueUrl, "orders")
}

func TestDualFraming_ProduceEquivalentQueueURLs(t *testing.T) {
	r := newTestApp(t)

	jsonRec := doJSON(r, "CreateQueue", models.CreateQueueRequest{QueueName: "via-json"})
	require.Equal(t, http.StatusOK, jsonRec.Code)
	var jsonResp models.CreateQueueResponse
	require.NoError(t, json.Unmarshal(jsonRec.Body.Bytes(), &jsonResp))

	queryRec := doQuery(r, url.Values{"Action": {"CreateQueue"}, "QueueName": {"via-query"}})
	require.Equal(t, http.StatusOK, queryRec.Code)
	var queryResp createQueueResponseXML
	require.NoError(t, xml.Unmarshal(queryRec.Body.Bytes(), &queryResp))

	require.Equal(t, "http://localhost:9324/queue/via-json", jsonResp.QueueUrl)
	require.Equal(t, "http://localhost:9324/queue/via-query", queryResp.Result.QueueUrl)
}

func TestSendAndReceiveAndDeleteMessage_EndToEnd(t *testing.T) {
	r := newTestApp(t)

	createRec := doJSON(r, "CreateQueue", models.CreateQueueRequest{QueueName: "orders"})
	var created models.CreateQueueResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	sendRec := doJSON(r, "SendMessage", models.SendMessageRequest{QueueUrl: created.QueueUrl, MessageBody: "hello world"})
	require.Equal(t, http.StatusOK, sendRec.Code)
	var sent models.SendMessageResponse
	require.NoError(t, json.Unmarshal(sendRec.Body.Bytes(), &sent))
	require.NotEmpty(t, sent.MessageId)

	recvRec := doJSON(r, "ReceiveMessage", models.ReceiveMessageRequest{QueueUrl: created.QueueUrl, MaxNumberOfMessages: 1})
	require.Equal(t, http.StatusOK, recvRec.Code)
	var received models.ReceiveMessageResponse
	require.NoError(t, json.Unmarshal(recvRec.Body.Bytes(), &received))
	require.Len(t, received.Messages, 1)
	require.Equal(t, "hello world", received.Messages[0].Body)

	deleteRec := doJSON(r, "DeleteMessage", models.DeleteMessageRequest{QueueUrl: created.QueueUrl, ReceiptHandle: received.Messages[0].ReceiptHandle})
	require.Equal(t, http.StatusOK, deleteRec.Code)

	emptyRec := doJSON(r, "ReceiveMessage", models.ReceiveMessageRequest{QueueUrl: created.QueueUrl, MaxNumberOfMessages: 1})
	var empty models.ReceiveMessageResponse
	require.NoError(t, json.Unmarshal(emptyRec.Body.Bytes(), &empty))
	require.Empty(t, empty.Messages)
}

func TestReceiveMessage_NonexistentQueueReturnsError(t *testing.T) {
	r := newTestApp(t)
	rec := doJSON(r, "ReceiveMessage", models.ReceiveMessageRequest{QueueUrl: "http://localhost:9324/queue/missing"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	require.Contains(t, errResp.Type, "NonExistentQueue")
}

func TestFifoQueue_RoundTripPreservesGroupOrdering(t *testing.T) {
	r := newTestApp(t)

	createRec := doJSON(r, "CreateQueue", models.CreateQueueRequest{
		QueueName:  "orders.fifo",
		Attributes: map[string]string{"FifoQueue": "true", "ContentBasedDeduplication": "true"},
	})
	require.Equal(t, http.StatusOK, createRec.Code)
	var created models.CreateQueueResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	for _, body := range []string{"first", "second"} {
		sendRec := doJSON(r, "SendMessage", models.SendMessageRequest{
			QueueUrl: created.QueueUrl, MessageBody: body, MessageGroupId: "g1",
		})
		require.Equal(t, http.StatusOK, sendRec.Code)
	}

	recvRec := doJSON(r, "ReceiveMessage", models.ReceiveMessageRequest{QueueUrl: created.QueueUrl, MaxNumberOfMessages: 10})
	var received models.ReceiveMessageResponse
	require.NoError(t, json.Unmarshal(recvRec.Body.Bytes(), &received))
	require.Len(t, received.Messages, 1, "second message is not the group head while first is still in flight")
	require.Equal(t, "first", received.Messages[0].Body)
}

func TestPathStyleRouting_QueueNameFromPathIsUsedWhenBodyOmitsIt(t *testing.T) {
	r := newTestApp(t)
	createRec := doJSON(r, "CreateQueue", models.CreateQueueRequest{QueueName: "orders"})
	var created models.CreateQueueResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	sendRec := doJSONPath(r, "/orders", "SendMessage", models.SendMessageRequest{MessageBody: "via path"})
	require.Equal(t, http.StatusOK, sendRec.Code)

	recvRec := doJSON(r, "ReceiveMessage", models.ReceiveMessageRequest{QueueUrl: created.QueueUrl, MaxNumberOfMessages: 1})
	var received models.ReceiveMessageResponse
	require.NoError(t, json.Unmarshal(recvRec.Body.Bytes(), &received))
	require.Len(t, received.Messages, 1)
	require.Equal(t, "via path", received.Messages[0].Body)
}

func TestPathStyleRouting_MismatchedQueueUrlInBodyIsRejected(t *testing.T) {
	r := newTestApp(t)
	createRec := doJSON(r, "CreateQueue", models.CreateQueueRequest{QueueName: "orders"})
	var created models.CreateQueueResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	sendRec := doJSONPath(r, "/other-queue", "SendMessage", models.SendMessageRequest{QueueUrl: created.QueueUrl, MessageBody: "x"})
	require.Equal(t, http.StatusBadRequest, sendRec.Code)

	var errResp models.ErrorResponse
	require.NoError(t, json.Unmarshal(sendRec.Body.Bytes(), &errResp))
	require.Contains(t, errResp.Type, "InvalidParameterValue")
}

func TestPathStyleRouting_MatchingQueueUrlInBodyIsAccepted(t *testing.T) {
	r := newTestApp(t)
	createRec := doJSON(r, "CreateQueue", models.CreateQueueRequest{QueueName: "orders"})
	var created models.CreateQueueResponse
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))

	sendRec := doJSONPath(r, "/orders", "SendMessage", models.SendMessageRequest{QueueUrl: created.QueueUrl, MessageBody: "x"})
	require.Equal(t, http.StatusOK, sendRec.Code)
}
