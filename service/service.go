// Package service implements the Queue Service: the layer that validates
// requests, resolves queue URLs and defaults, enforces FIFO and
// deduplication semantics, and drives long-polling, sitting between the
// protocol layer and the Storage Layer.
package service

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tabeth/sqslocal/models"
	"github.com/tabeth/sqslocal/store"
	"github.com/tabeth/sqslocal/waitregistry"
)

var (
	// ErrInvalidQueueName is returned when a queue name fails the SQS
	// naming pattern.
	ErrInvalidQueueName = errors.New("service: invalid queue name")
	// ErrInvalidParameterValue covers malformed or out-of-range parameters.
	ErrInvalidParameterValue = errors.New("service: invalid parameter value")
	// ErrMissingParameter covers a required parameter that was not supplied.
	ErrMissingParameter = errors.New("service: missing required parameter")
	// ErrMessageTooLarge is returned when a message body exceeds the
	// queue's MaximumMessageSize.
	ErrMessageTooLarge = errors.New("service: message body too large")
	// ErrBatchTooLarge is returned when a batch request has more than 10
	// entries.
	ErrBatchTooLarge = errors.New("service: batch request has too many entries")
	// ErrBatchEmpty is returned when a batch request has no entries.
	ErrBatchEmpty = errors.New("service: batch request is empty")
	// ErrDuplicateBatchID is returned when two entries in one batch share
	// an Id.
	ErrDuplicateBatchID = errors.New("service: batch entry ids must be distinct")
	// ErrFifoRequiresGroupID is returned when a FIFO queue receives a
	// message with no MessageGroupId.
	ErrFifoRequiresGroupID = errors.New("service: FIFO queues require MessageGroupId")
	// ErrFifoRequiresDedupID is returned when a FIFO queue without
	// content-based deduplication receives a message with no
	// MessageDeduplicationId.
	ErrFifoRequiresDedupID = errors.New("service: FIFO queues without content-based deduplication require MessageDeduplicationId")
	// ErrFifoDelayNotSupported is returned when a per-message DelaySeconds
	// is sent to a FIFO queue.
	ErrFifoDelayNotSupported = errors.New("service: per-message DelaySeconds is not supported on FIFO queues")
	// ErrNotFifoParameter is returned when a non-FIFO queue receives
	// FIFO-only parameters.
	ErrNotFifoParameter = errors.New("service: MessageGroupId/MessageDeduplicationId are only valid on FIFO queues")
	// ErrRedriveTargetNotFound is returned when a RedrivePolicy names a
	// DeadLetterTargetArn that does not match an existing queue.
	ErrRedriveTargetNotFound = errors.New("service: RedrivePolicy DeadLetterTargetArn does not name an existing queue")
	// ErrRedriveTargetHasPolicy is returned when a RedrivePolicy's target
	// queue itself already declares a RedrivePolicy; chained dead-letter
	// queues are forbidden.
	ErrRedriveTargetHasPolicy = errors.New("service: a queue with its own RedrivePolicy cannot be used as a dead-letter target")
	// ErrQueueURLMismatch is returned when a request's path-derived queue
	// name disagrees with the QueueUrl/QueueName carried in its body.
	ErrQueueURLMismatch = errors.New("service: QueueUrl does not match the queue named in the request path")
)

var queueNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,80}(\.fifo)?$`)

const (
	defaultVisibilityTimeoutS = 30
	defaultMessageRetentionS  = 4 * 24 * 60 * 60
	defaultMaxMessageBytes    = 262144
	defaultReceiveWaitTimeS   = 0
	defaultDelaySeconds       = 0
	maxDelaySeconds           = 900
	maxVisibilityTimeoutS     = 43200
	maxBatchEntries           = 10
	maxReceiveCount           = 10
	dedupWindow               = 5 * time.Minute
	// longPollRepollInterval bounds how long a long-polling ReceiveMessage
	// can sit blocked on a single Notify that was lost to a race between
	// Claim returning empty and the waiter registering. Re-checking on
	// this cadence caps the cost of a missed wakeup instead of depending
	// on wait entirely.
	longPollRepollInterval = time.Second
)

// Service is the Queue Service. It holds no state of its own beyond a
// Storage Layer handle, a Wait Registry, and a base URL used to mint queue
// URLs.
type Service struct {
	store    store.Store
	registry *waitregistry.Registry
	baseURL  string
	nowFn    func() time.Time
}

// New creates a Service. nowFn defaults to time.Now when nil.
func New(s store.Store, registry *waitregistry.Registry, baseURL string, nowFn func() time.Time) *Service {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{store: s, registry: registry, baseURL: strings.TrimRight(baseURL, "/"), nowFn: nowFn}
}

func (s *Service) now() time.Time { return s.nowFn() }

func (s *Service) queueURL(name string) string {
	return fmt.Sprintf("%s/queue/%s", s.baseURL, name)
}

// QueueNameFromURL extracts the queue name from a queue URL produced by
// queueURL. It also accepts a bare queue name, so handlers that already
// resolved the name can call service methods directly.
func QueueNameFromURL(queueURL string) string {
	idx := strings.LastIndex(queueURL, "/")
	if idx == -1 {
		return queueURL
	}
	return queueURL[idx+1:]
}

// QueueURLForName exposes queueURL to the protocol layer, which needs it to
// reconcile a path-derived queue name against a request body's QueueUrl.
func (s *Service) QueueURLForName(name string) string {
	return s.queueURL(name)
}

// ResolveQueueURL reconciles a path-style queue name (from a POST
// /<queue-name> request) with an optional QueueUrl carried in the request
// body. When both are given they must name the same queue; when only one
// is given, it wins.
func (s *Service) ResolveQueueURL(pathQueueName, bodyQueueURL string) (string, error) {
	if pathQueueName == "" {
		return bodyQueueURL, nil
	}
	if bodyQueueURL == "" {
		return s.queueURL(pathQueueName), nil
	}
	if QueueNameFromURL(bodyQueueURL) != pathQueueName {
		return "", ErrQueueURLMismatch
	}
	return s.queueURL(pathQueueName), nil
}

// ResolveQueueName is ResolveQueueURL's counterpart for actions that carry
// a bare QueueName in the body instead of a full QueueUrl (CreateQueue,
// GetQueueUrl).
func ResolveQueueName(pathQueueName, bodyQueueName string) (string, error) {
	if pathQueueName == "" {
		return bodyQueueName, nil
	}
	if bodyQueueName == "" {
		return pathQueueName, nil
	}
	if bodyQueueName != pathQueueName {
		return "", ErrQueueURLMismatch
	}
	return pathQueueName, nil
}

func arnToQueueName(arn string) string {
	idx := strings.LastIndex(arn, ":")
	if idx == -1 {
		return arn
	}
	return arn[idx+1:]
}

// validateRedrivePolicy enforces that a RedrivePolicy's target exists and
// does not itself declare a RedrivePolicy; chained dead-letter queues are
// forbidden.
func (s *Service) validateRedrivePolicy(ctx context.Context, rp *store.RedrivePolicy) error {
	if rp == nil {
		return nil
	}
	targetName := arnToQueueName(rp.DeadLetterTargetArn)
	target, err := s.store.GetQueueAttributes(ctx, targetName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrRedriveTargetNotFound, rp.DeadLetterTargetArn)
	}
	if target.RedrivePolicy != nil {
		return fmt.Errorf("%w: %s", ErrRedriveTargetHasPolicy, rp.DeadLetterTargetArn)
	}
	return nil
}

func validateQueueName(name string) error {
	if !queueNamePattern.MatchString(name) {
		return ErrInvalidQueueName
	}
	return nil
}

func isFifoName(name string) bool {
	return strings.HasSuffix(name, ".fifo")
}

// --- queue attribute marshaling --------------------------------------------

func attributesToQueue(name string, raw map[string]string) (store.QueueAttributes, error) {
	attrs := store.QueueAttributes{
		Name:               name,
		IsFifo:             isFifoName(name),
		VisibilityTimeoutS: defaultVisibilityTimeoutS,
		MessageRetentionS:  defaultMessageRetentionS,
		DelaySeconds:       defaultDelaySeconds,
		MaxMessageBytes:    defaultMaxMessageBytes,
		ReceiveWaitTimeS:   defaultReceiveWaitTimeS,
	}

	for k, v := range raw {
		switch k {
		case "VisibilityTimeout":
			n, err := parseIntRange(v, 0, maxVisibilityTimeoutS)
			if err != nil {
				return store.QueueAttributes{}, fmt.Errorf("%w: VisibilityTimeout", ErrInvalidParameterValue)
			}
			attrs.VisibilityTimeoutS = n
		case "MessageRetentionPeriod":
			n, err := parseIntRange(v, 60, 1209600)
			if err != nil {
				return store.QueueAttributes{}, fmt.Errorf("%w: MessageRetentionPeriod", ErrInvalidParameterValue)
			}
			attrs.MessageRetentionS = n
		case "DelaySeconds":
			n, err := parseIntRange(v, 0, maxDelaySeconds)
			if err != nil {
				return store.QueueAttributes{}, fmt.Errorf("%w: DelaySeconds", ErrInvalidParameterValue)
			}
			attrs.DelaySeconds = n
		case "MaximumMessageSize":
			n, err := parseIntRange(v, 1024, 262144)
			if err != nil {
				return store.QueueAttributes{}, fmt.Errorf("%w: MaximumMessageSize", ErrInvalidParameterValue)
			}
			attrs.MaxMessageBytes = n
		case "ReceiveMessageWaitTimeSeconds":
			n, err := parseIntRange(v, 0, 20)
			if err != nil {
				return store.QueueAttributes{}, fmt.Errorf("%w: ReceiveMessageWaitTimeSeconds", ErrInvalidParameterValue)
			}
			attrs.ReceiveWaitTimeS = n
		case "RedrivePolicy":
			rp, err := parseRedrivePolicy(v)
			if err != nil {
				return store.QueueAttributes{}, err
			}
			attrs.RedrivePolicy = rp
		case "ContentBasedDeduplication":
			attrs.ContentBasedDedup = v == "true"
		case "FifoQueue":
			want := v == "true"
			if want != attrs.IsFifo {
				return store.QueueAttributes{}, fmt.Errorf("%w: FifoQueue must match the .fifo name suffix", ErrInvalidParameterValue)
			}
		}
	}
	return attrs, nil
}

func parseIntRange(v string, min, max int) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		return 0, ErrInvalidParameterValue
	}
	return n, nil
}

func parseRedrivePolicy(v string) (*store.RedrivePolicy, error) {
	var raw struct {
		DeadLetterTargetArn string `json:"deadLetterTargetArn"`
		MaxReceiveCount     int    `json:"maxReceiveCount"`
	}
	if err := json.Unmarshal([]byte(v), &raw); err != nil {
		return nil, fmt.Errorf("%w: RedrivePolicy", ErrInvalidParameterValue)
	}
	if raw.DeadLetterTargetArn == "" || raw.MaxReceiveCount <= 0 {
		return nil, fmt.Errorf("%w: RedrivePolicy", ErrInvalidParameterValue)
	}
	return &store.RedrivePolicy{DeadLetterTargetArn: raw.DeadLetterTargetArn, MaxReceiveCount: raw.MaxReceiveCount}, nil
}

func queueToAttributeMap(attrs store.QueueAttributes, wanted []string) map[string]string {
	all := map[string]string{
		"VisibilityTimeout":             strconv.Itoa(attrs.VisibilityTimeoutS),
		"MessageRetentionPeriod":        strconv.Itoa(attrs.MessageRetentionS),
		"DelaySeconds":                  strconv.Itoa(attrs.DelaySeconds),
		"MaximumMessageSize":            strconv.Itoa(attrs.MaxMessageBytes),
		"ReceiveMessageWaitTimeSeconds": strconv.Itoa(attrs.ReceiveWaitTimeS),
		"CreatedTimestamp":              strconv.FormatInt(attrs.CreatedAt.Unix(), 10),
		"QueueArn":                      "arn:aws:sqs:local:000000000000:" + attrs.Name,
	}
	if attrs.IsFifo {
		all["FifoQueue"] = "true"
		all["ContentBasedDeduplication"] = strconv.FormatBool(attrs.ContentBasedDedup)
	}
	if attrs.RedrivePolicy != nil {
		buf, _ := json.Marshal(struct {
			DeadLetterTargetArn string `json:"deadLetterTargetArn"`
			MaxReceiveCount     int    `json:"maxReceiveCount"`
		}{attrs.RedrivePolicy.DeadLetterTargetArn, attrs.RedrivePolicy.MaxReceiveCount})
		all["RedrivePolicy"] = string(buf)
	}

	if len(wanted) == 0 {
		return map[string]string{}
	}
	if len(wanted) == 1 && wanted[0] == "All" {
		return all
	}
	out := make(map[string]string, len(wanted))
	for _, name := range wanted {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return out
}

// --- queue operations -------------------------------------------------------

// CreateQueue creates a queue, or returns the existing one if the request's
// attributes match it exactly.
func (s *Service) CreateQueue(ctx context.Context, req models.CreateQueueRequest) (models.CreateQueueResponse, error) {
	if err := validateQueueName(req.QueueName); err != nil {
		return models.CreateQueueResponse{}, err
	}
	attrs, err := attributesToQueue(req.QueueName, req.Attributes)
	if err != nil {
		return models.CreateQueueResponse{}, err
	}
	if attrs.IsFifo && !attrs.ContentBasedDedup {
		if _, ok := req.Attributes["ContentBasedDeduplication"]; !ok {
			attrs.ContentBasedDedup = false
		}
	}
	if err := s.validateRedrivePolicy(ctx, attrs.RedrivePolicy); err != nil {
		return models.CreateQueueResponse{}, err
	}

	if _, err := s.store.CreateQueue(ctx, req.QueueName, attrs, s.now()); err != nil {
		return models.CreateQueueResponse{}, err
	}
	return models.CreateQueueResponse{QueueUrl: s.queueURL(req.QueueName)}, nil
}

// DeleteQueue removes a queue and all its messages.
func (s *Service) DeleteQueue(ctx context.Context, req models.DeleteQueueRequest) error {
	name := QueueNameFromURL(req.QueueUrl)
	return s.store.DeleteQueue(ctx, name, s.now())
}

// ListQueues lists queue URLs, optionally filtered by name prefix.
func (s *Service) ListQueues(ctx context.Context, req models.ListQueuesRequest) (models.ListQueuesResponse, error) {
	names, err := s.store.ListQueues(ctx, req.QueueNamePrefix)
	if err != nil {
		return models.ListQueuesResponse{}, err
	}
	urls := make([]string, 0, len(names))
	for _, n := range names {
		urls = append(urls, s.queueURL(n))
	}
	return models.ListQueuesResponse{QueueUrls: urls}, nil
}

// GetQueueURL resolves a queue name to its URL, failing if it does not exist.
func (s *Service) GetQueueURL(ctx context.Context, req models.GetQueueURLRequest) (models.GetQueueURLResponse, error) {
	if _, err := s.store.GetQueueAttributes(ctx, req.QueueName); err != nil {
		return models.GetQueueURLResponse{}, err
	}
	return models.GetQueueURLResponse{QueueUrl: s.queueURL(req.QueueName)}, nil
}

// GetQueueAttributes returns the requested subset (or "All") of a queue's
// attributes.
func (s *Service) GetQueueAttributes(ctx context.Context, req models.GetQueueAttributesRequest) (models.GetQueueAttributesResponse, error) {
	name := QueueNameFromURL(req.QueueUrl)
	attrs, err := s.store.GetQueueAttributes(ctx, name)
	if err != nil {
		return models.GetQueueAttributesResponse{}, err
	}

	result := queueToAttributeMap(attrs, req.AttributeNames)
	wantsDepth := len(req.AttributeNames) == 0
	for _, n := range req.AttributeNames {
		if n == "All" || n == "ApproximateNumberOfMessages" || n == "ApproximateNumberOfMessagesNotVisible" || n == "ApproximateNumberOfMessagesDelayed" {
			wantsDepth = true
		}
	}
	if wantsDepth {
		visible, inFlight, delayed, err := s.store.QueueDepth(ctx, name, s.now())
		if err == nil {
			if req.AttributeNames == nil || contains(req.AttributeNames, "All") || contains(req.AttributeNames, "ApproximateNumberOfMessages") {
				result["ApproximateNumberOfMessages"] = strconv.Itoa(visible)
			}
			if req.AttributeNames == nil || contains(req.AttributeNames, "All") || contains(req.AttributeNames, "ApproximateNumberOfMessagesNotVisible") {
				result["ApproximateNumberOfMessagesNotVisible"] = strconv.Itoa(inFlight)
			}
			if req.AttributeNames == nil || contains(req.AttributeNames, "All") || contains(req.AttributeNames, "ApproximateNumberOfMessagesDelayed") {
				result["ApproximateNumberOfMessagesDelayed"] = strconv.Itoa(delayed)
			}
		}
	}
	return models.GetQueueAttributesResponse{Attributes: result}, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// SetQueueAttributes merges the given attributes into the queue's current
// configuration.
func (s *Service) SetQueueAttributes(ctx context.Context, req models.SetQueueAttributesRequest) error {
	name := QueueNameFromURL(req.QueueUrl)
	current, err := s.store.GetQueueAttributes(ctx, name)
	if err != nil {
		return err
	}
	merged, err := attributesToQueue(name, mergeAttributeStrings(current, req.Attributes))
	if err != nil {
		return err
	}
	if err := s.validateRedrivePolicy(ctx, merged.RedrivePolicy); err != nil {
		return err
	}
	return s.store.SetQueueAttributes(ctx, name, merged)
}

func mergeAttributeStrings(current store.QueueAttributes, overrides map[string]string) map[string]string {
	base := queueToAttributeMap(current, []string{"All"})
	for k, v := range overrides {
		base[k] = v
	}
	return base
}

// PurgeQueue deletes every message currently on a queue.
func (s *Service) PurgeQueue(ctx context.Context, req models.PurgeQueueRequest) error {
	name := QueueNameFromURL(req.QueueUrl)
	return s.store.PurgeQueue(ctx, name)
}

// --- message attribute marshaling ------------------------------------------

func attrsToStore(attrs map[string]models.MessageAttributeValue) map[string]store.AttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]store.AttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = store.AttributeValue{DataType: v.DataType, StringValue: v.StringValue, BinaryValue: v.BinaryValue}
	}
	return out
}

func attrsFromStore(attrs map[string]store.AttributeValue) map[string]models.MessageAttributeValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]models.MessageAttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = models.MessageAttributeValue{DataType: v.DataType, StringValue: v.StringValue, BinaryValue: v.BinaryValue}
	}
	return out
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// md5OfAttributes is a deterministic digest of a message's attributes. It
// is not byte-for-byte the AWS attribute digest algorithm, only a stable
// approximation used the same way AWS clients use MD5OfMessageAttributes:
// as an integrity check, not a cryptographic guarantee.
func md5OfAttributes(attrs map[string]models.MessageAttributeValue) string {
	if len(attrs) == 0 {
		return ""
	}
	names := make([]string, 0, len(attrs))
	for k := range attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, n := range names {
		v := attrs[n]
		sb.WriteString(n)
		sb.WriteString(v.DataType)
		sb.WriteString(v.StringValue)
		sb.Write(v.BinaryValue)
	}
	return md5Hex([]byte(sb.String()))
}

func contentDedupID(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// --- send -------------------------------------------------------------------

func (s *Service) draftFromSend(queue store.QueueAttributes, body string, delaySeconds *int, attrs map[string]models.MessageAttributeValue, groupID, dedupID string) (store.MessageDraft, error) {
	if body == "" {
		return store.MessageDraft{}, fmt.Errorf("%w: MessageBody", ErrMissingParameter)
	}
	if len(body) > queue.MaxMessageBytes {
		return store.MessageDraft{}, ErrMessageTooLarge
	}

	draft := store.MessageDraft{
		Body:       []byte(body),
		Attributes: attrsToStore(attrs),
	}

	if queue.IsFifo {
		if groupID == "" {
			return store.MessageDraft{}, ErrFifoRequiresGroupID
		}
		if delaySeconds != nil {
			return store.MessageDraft{}, ErrFifoDelayNotSupported
		}
		if dedupID == "" {
			if !queue.ContentBasedDedup {
				return store.MessageDraft{}, ErrFifoRequiresDedupID
			}
			dedupID = contentDedupID(body)
		}
		draft.MessageGroupID = groupID
		draft.DeduplicationID = dedupID
		draft.DelaySeconds = queue.DelaySeconds
		return draft, nil
	}

	if groupID != "" || dedupID != "" {
		return store.MessageDraft{}, ErrNotFifoParameter
	}
	delay := queue.DelaySeconds
	if delaySeconds != nil {
		if *delaySeconds < 0 || *delaySeconds > maxDelaySeconds {
			return store.MessageDraft{}, fmt.Errorf("%w: DelaySeconds", ErrInvalidParameterValue)
		}
		delay = *delaySeconds
	}
	draft.DelaySeconds = delay
	return draft, nil
}

// SendMessage enqueues a single message.
func (s *Service) SendMessage(ctx context.Context, req models.SendMessageRequest) (models.SendMessageResponse, error) {
	name := QueueNameFromURL(req.QueueUrl)
	queue, err := s.store.GetQueueAttributes(ctx, name)
	if err != nil {
		return models.SendMessageResponse{}, err
	}

	draft, err := s.draftFromSend(queue, req.MessageBody, req.DelaySeconds, req.MessageAttributes, req.MessageGroupId, req.MessageDeduplicationId)
	if err != nil {
		return models.SendMessageResponse{}, err
	}

	res, err := s.store.Enqueue(ctx, name, draft, s.now())
	if err != nil {
		return models.SendMessageResponse{}, err
	}
	s.registry.Notify(name)

	resp := models.SendMessageResponse{
		MessageId:              res.MessageID,
		MD5OfMessageBody:       md5Hex([]byte(req.MessageBody)),
		MD5OfMessageAttributes: md5OfAttributes(req.MessageAttributes),
	}
	if queue.IsFifo {
		seq := res.SequenceNumber
		resp.SequenceNumber = &seq
	}
	return resp, nil
}

// SendMessageBatch enqueues up to 10 messages in one request. Failures for
// individual entries do not abort the rest of the batch.
func (s *Service) SendMessageBatch(ctx context.Context, req models.SendMessageBatchRequest) (models.SendMessageBatchResponse, error) {
	if len(req.Entries) == 0 {
		return models.SendMessageBatchResponse{}, ErrBatchEmpty
	}
	if len(req.Entries) > maxBatchEntries {
		return models.SendMessageBatchResponse{}, ErrBatchTooLarge
	}
	if err := checkDistinctIDs(entryIDs(req.Entries, func(e models.SendMessageBatchRequestEntry) string { return e.Id })); err != nil {
		return models.SendMessageBatchResponse{}, err
	}

	name := QueueNameFromURL(req.QueueUrl)
	queue, err := s.store.GetQueueAttributes(ctx, name)
	if err != nil {
		return models.SendMessageBatchResponse{}, err
	}

	resp := models.SendMessageBatchResponse{}
	drafts := make([]store.MessageDraft, 0, len(req.Entries))
	valid := make([]models.SendMessageBatchRequestEntry, 0, len(req.Entries))

	for _, e := range req.Entries {
		draft, err := s.draftFromSend(queue, e.MessageBody, e.DelaySeconds, e.MessageAttributes, e.MessageGroupId, e.MessageDeduplicationId)
		if err != nil {
			resp.Failed = append(resp.Failed, toBatchError(e.Id, err))
			continue
		}
		drafts = append(drafts, draft)
		valid = append(valid, e)
	}

	if len(drafts) > 0 {
		results, err := s.store.EnqueueBatch(ctx, name, drafts, s.now())
		if err != nil {
			return models.SendMessageBatchResponse{}, err
		}
		for i, res := range results {
			e := valid[i]
			if res.Err != nil {
				resp.Failed = append(resp.Failed, toBatchError(e.Id, res.Err))
				continue
			}
			entry := models.SendMessageBatchResultEntry{
				Id:                     e.Id,
				MessageId:              res.MessageID,
				MD5OfMessageBody:       md5Hex([]byte(e.MessageBody)),
				MD5OfMessageAttributes: md5OfAttributes(e.MessageAttributes),
			}
			if queue.IsFifo {
				seq := res.SequenceNumber
				entry.SequenceNumber = &seq
			}
			resp.Successful = append(resp.Successful, entry)
		}
		s.registry.Notify(name)
	}
	return resp, nil
}

func entryIDs[T any](entries []T, id func(T) string) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = id(e)
	}
	return ids
}

func checkDistinctIDs(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return ErrDuplicateBatchID
		}
		seen[id] = struct{}{}
	}
	return nil
}

func toBatchError(id string, err error) models.BatchResultErrorEntry {
	return models.BatchResultErrorEntry{
		Id:          id,
		Code:        "InvalidParameterValue",
		Message:     err.Error(),
		SenderFault: true,
	}
}

// --- receive / delete / visibility -----------------------------------------

// ReceiveMessage claims up to MaxNumberOfMessages messages, long-polling for
// WaitTimeSeconds if none are immediately available.
func (s *Service) ReceiveMessage(ctx context.Context, req models.ReceiveMessageRequest) (models.ReceiveMessageResponse, error) {
	name := QueueNameFromURL(req.QueueUrl)
	queue, err := s.store.GetQueueAttributes(ctx, name)
	if err != nil {
		return models.ReceiveMessageResponse{}, err
	}

	maxMessages := req.MaxNumberOfMessages
	if maxMessages <= 0 {
		maxMessages = 1
	}
	if maxMessages > maxReceiveCount {
		maxMessages = maxReceiveCount
	}

	visibility := time.Duration(queue.VisibilityTimeoutS) * time.Second
	if req.VisibilityTimeout != nil {
		visibility = time.Duration(*req.VisibilityTimeout) * time.Second
	}

	waitSeconds := queue.ReceiveWaitTimeS
	if req.WaitTimeSeconds != nil {
		waitSeconds = *req.WaitTimeSeconds
	}

	deadline := s.now().Add(time.Duration(waitSeconds) * time.Second)
	for {
		now := s.now()
		msgs, err := s.store.Claim(ctx, name, maxMessages, now, visibility)
		if err != nil {
			return models.ReceiveMessageResponse{}, err
		}
		if len(msgs) > 0 {
			return models.ReceiveMessageResponse{Messages: toResponseMessages(msgs, req.AttributeNames, req.MessageAttributeNames)}, nil
		}
		if waitSeconds <= 0 || !now.Before(deadline) {
			return models.ReceiveMessageResponse{Messages: nil}, nil
		}

		waitUntil := deadline
		if repoll := now.Add(longPollRepollInterval); repoll.Before(waitUntil) {
			waitUntil = repoll
		}
		waitCtx, cancel := context.WithDeadline(ctx, waitUntil)
		s.registry.Wait(waitCtx, name)
		cancel()
		// Loop back around to re-Claim regardless of why Wait returned: a
		// real Notify or a repoll timeout (bounds a missed Notify). Caller
		// ctx cancellation is caught by the ctx.Err() check below.
		if err := ctx.Err(); err != nil {
			return models.ReceiveMessageResponse{Messages: nil}, nil
		}
	}
}

func toResponseMessages(msgs []store.Message, attributeNames, messageAttributeNames []string) []models.ResponseMessage {
	out := make([]models.ResponseMessage, 0, len(msgs))
	for _, m := range msgs {
		rm := models.ResponseMessage{
			MessageId:     m.ID,
			ReceiptHandle: m.ReceiptHandle,
			MD5OfBody:     md5Hex(m.Body),
			Body:          string(m.Body),
		}
		if len(attributeNames) > 0 {
			rm.Attributes = systemAttributesToMap(m, attributeNames)
		}
		if len(messageAttributeNames) > 0 {
			rm.MessageAttributes = attrsFromStore(m.Attributes)
		}
		out = append(out, rm)
	}
	return out
}

func systemAttributesToMap(m store.Message, wanted []string) map[string]string {
	all := map[string]string{
		"SentTimestamp":                  strconv.FormatInt(m.EnqueuedAt.UnixMilli(), 10),
		"ApproximateReceiveCount":        strconv.Itoa(m.ReceiveCount),
		"ApproximateFirstReceiveTimestamp": strconv.FormatInt(m.EnqueuedAt.UnixMilli(), 10),
	}
	if m.MessageGroupID != "" {
		all["MessageGroupId"] = m.MessageGroupID
	}
	if m.SequenceNumber != "" {
		all["SequenceNumber"] = m.SequenceNumber
	}
	if m.DeduplicationID != "" {
		all["MessageDeduplicationId"] = m.DeduplicationID
	}
	if contains(wanted, "All") {
		return all
	}
	out := make(map[string]string, len(wanted))
	for _, w := range wanted {
		if v, ok := all[w]; ok {
			out[w] = v
		}
	}
	return out
}

// DeleteMessage removes a claimed message by receipt handle.
func (s *Service) DeleteMessage(ctx context.Context, req models.DeleteMessageRequest) error {
	name := QueueNameFromURL(req.QueueUrl)
	return s.store.AckDelete(ctx, name, req.ReceiptHandle)
}

// DeleteMessageBatch deletes up to 10 messages in one request.
func (s *Service) DeleteMessageBatch(ctx context.Context, req models.DeleteMessageBatchRequest) (models.DeleteMessageBatchResponse, error) {
	if len(req.Entries) == 0 {
		return models.DeleteMessageBatchResponse{}, ErrBatchEmpty
	}
	if len(req.Entries) > maxBatchEntries {
		return models.DeleteMessageBatchResponse{}, ErrBatchTooLarge
	}
	if err := checkDistinctIDs(entryIDs(req.Entries, func(e models.DeleteMessageBatchRequestEntry) string { return e.Id })); err != nil {
		return models.DeleteMessageBatchResponse{}, err
	}

	name := QueueNameFromURL(req.QueueUrl)
	resp := models.DeleteMessageBatchResponse{}
	for _, e := range req.Entries {
		if err := s.store.AckDelete(ctx, name, e.ReceiptHandle); err != nil {
			resp.Failed = append(resp.Failed, toBatchError(e.Id, err))
			continue
		}
		resp.Successful = append(resp.Successful, models.DeleteMessageBatchResultEntry{Id: e.Id})
	}
	return resp, nil
}

// ChangeMessageVisibility extends, shortens, or (with VisibilityTimeout=0)
// ends a claim early.
func (s *Service) ChangeMessageVisibility(ctx context.Context, req models.ChangeMessageVisibilityRequest) error {
	name := QueueNameFromURL(req.QueueUrl)
	if req.VisibilityTimeout < 0 || req.VisibilityTimeout > maxVisibilityTimeoutS {
		return fmt.Errorf("%w: VisibilityTimeout", ErrInvalidParameterValue)
	}
	err := s.store.ChangeVisibility(ctx, name, req.ReceiptHandle, time.Duration(req.VisibilityTimeout)*time.Second, s.now())
	if err == nil && req.VisibilityTimeout == 0 {
		s.registry.Notify(name)
	}
	return err
}

// ChangeMessageVisibilityBatch applies ChangeMessageVisibility to up to 10
// entries in one request.
func (s *Service) ChangeMessageVisibilityBatch(ctx context.Context, req models.ChangeMessageVisibilityBatchRequest) (models.ChangeMessageVisibilityBatchResponse, error) {
	if len(req.Entries) == 0 {
		return models.ChangeMessageVisibilityBatchResponse{}, ErrBatchEmpty
	}
	if len(req.Entries) > maxBatchEntries {
		return models.ChangeMessageVisibilityBatchResponse{}, ErrBatchTooLarge
	}
	if err := checkDistinctIDs(entryIDs(req.Entries, func(e models.ChangeMessageVisibilityBatchRequestEntry) string { return e.Id })); err != nil {
		return models.ChangeMessageVisibilityBatchResponse{}, err
	}

	name := QueueNameFromURL(req.QueueUrl)
	resp := models.ChangeMessageVisibilityBatchResponse{}
	notify := false
	for _, e := range req.Entries {
		if e.VisibilityTimeout < 0 || e.VisibilityTimeout > maxVisibilityTimeoutS {
			resp.Failed = append(resp.Failed, toBatchError(e.Id, ErrInvalidParameterValue))
			continue
		}
		err := s.store.ChangeVisibility(ctx, name, e.ReceiptHandle, time.Duration(e.VisibilityTimeout)*time.Second, s.now())
		if err != nil {
			resp.Failed = append(resp.Failed, toBatchError(e.Id, err))
			continue
		}
		if e.VisibilityTimeout == 0 {
			notify = true
		}
		resp.Successful = append(resp.Successful, models.ChangeMessageVisibilityBatchResultEntry{Id: e.Id})
	}
	if notify {
		s.registry.Notify(name)
	}
	return resp, nil
}
