package main

import (
	"encoding/base64"
	"net/url"
	"regexp"
	"sort"
	"strconv"

	"github.com/tabeth/sqslocal/models"
)

// The query/form framing flattens nested structures into numbered,
// dot-separated keys (e.g. "Entries.1.Id", "Attribute.2.Name"). No library
// in the example pack targets this AWS-specific flattened encoding, so it
// is decoded by hand against net/url, the one stdlib boundary called out
// in DESIGN.md.

var numberedKeyPattern = regexp.MustCompile(`^([A-Za-z]+)\.(\d+)(?:\.(.+))?$`)

// groupEntries collects every key of the form "<prefix>.<n>.<field>" (or
// bare "<prefix>.<n>") into an ordered slice of field maps, indexed by n.
func groupEntries(values url.Values, prefix string) []map[string]string {
	byIndex := map[int]map[string]string{}
	for key, vals := range values {
		m := numberedKeyPattern.FindStringSubmatch(key)
		if m == nil || m[1] != prefix || len(vals) == 0 {
			continue
		}
		idx, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		fields, ok := byIndex[idx]
		if !ok {
			fields = map[string]string{}
			byIndex[idx] = fields
		}
		field := m[3]
		if field == "" {
			field = "_"
		}
		fields[field] = vals[0]
	}

	indices := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := make([]map[string]string, 0, len(indices))
	for _, idx := range indices {
		out = append(out, byIndex[idx])
	}
	return out
}

func intPtr(values url.Values, key string) *int {
	v := values.Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func intOrZero(values url.Values, key string) int {
	n, err := strconv.Atoi(values.Get(key))
	if err != nil {
		return 0
	}
	return n
}

func buildMessageAttributes(entries []map[string]string) map[string]models.MessageAttributeValue {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]models.MessageAttributeValue, len(entries))
	for _, e := range entries {
		name := e["Name"]
		if name == "" {
			continue
		}
		v := models.MessageAttributeValue{
			DataType:    e["Value.DataType"],
			StringValue: e["Value.StringValue"],
		}
		if b64 := e["Value.BinaryValue"]; b64 != "" {
			if raw, err := base64.StdEncoding.DecodeString(b64); err == nil {
				v.BinaryValue = raw
			}
		}
		out[name] = v
	}
	return out
}

func buildStringAttributes(entries []map[string]string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		if e["Name"] == "" {
			continue
		}
		out[e["Name"]] = e["Value"]
	}
	return out
}

func queryAttributeNames(values url.Values, prefix string) []string {
	entries := groupEntries(values, prefix)
	if len(entries) == 0 {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if v, ok := e["_"]; ok {
			out = append(out, v)
		}
	}
	return out
}

func decodeCreateQueueQuery(v url.Values) models.CreateQueueRequest {
	return models.CreateQueueRequest{
		QueueName:  v.Get("QueueName"),
		Attributes: buildStringAttributes(groupEntries(v, "Attribute")),
	}
}

func decodeListQueuesQuery(v url.Values) models.ListQueuesRequest {
	return models.ListQueuesRequest{QueueNamePrefix: v.Get("QueueNamePrefix")}
}

func decodeGetQueueURLQuery(v url.Values) models.GetQueueURLRequest {
	return models.GetQueueURLRequest{QueueName: v.Get("QueueName")}
}

func decodeDeleteQueueQuery(v url.Values) models.DeleteQueueRequest {
	return models.DeleteQueueRequest{QueueUrl: v.Get("QueueUrl")}
}

func decodePurgeQueueQuery(v url.Values) models.PurgeQueueRequest {
	return models.PurgeQueueRequest{QueueUrl: v.Get("QueueUrl")}
}

func decodeGetQueueAttributesQuery(v url.Values) models.GetQueueAttributesRequest {
	return models.GetQueueAttributesRequest{
		QueueUrl:       v.Get("QueueUrl"),
		AttributeNames: queryAttributeNames(v, "AttributeName"),
	}
}

func decodeSetQueueAttributesQuery(v url.Values) models.SetQueueAttributesRequest {
	return models.SetQueueAttributesRequest{
		QueueUrl:   v.Get("QueueUrl"),
		Attributes: buildStringAttributes(groupEntries(v, "Attribute")),
	}
}

func decodeSendMessageQuery(v url.Values) models.SendMessageRequest {
	return models.SendMessageRequest{
		QueueUrl:               v.Get("QueueUrl"),
		MessageBody:            v.Get("MessageBody"),
		DelaySeconds:           intPtr(v, "DelaySeconds"),
		MessageAttributes:      buildMessageAttributes(groupEntries(v, "MessageAttribute")),
		MessageGroupId:         v.Get("MessageGroupId"),
		MessageDeduplicationId: v.Get("MessageDeduplicationId"),
	}
}

func decodeSendMessageBatchQuery(v url.Values) models.SendMessageBatchRequest {
	entries := groupEntries(v, "Entries")
	out := make([]models.SendMessageBatchRequestEntry, 0, len(entries))
	for _, e := range entries {
		entry := models.SendMessageBatchRequestEntry{
			Id:                     e["Id"],
			MessageBody:            e["MessageBody"],
			MessageGroupId:         e["MessageGroupId"],
			MessageDeduplicationId: e["MessageDeduplicationId"],
		}
		if d, err := strconv.Atoi(e["DelaySeconds"]); err == nil {
			entry.DelaySeconds = &d
		}
		out = append(out, entry)
	}
	return models.SendMessageBatchRequest{QueueUrl: v.Get("QueueUrl"), Entries: out}
}

func decodeReceiveMessageQuery(v url.Values) models.ReceiveMessageRequest {
	req := models.ReceiveMessageRequest{
		QueueUrl:              v.Get("QueueUrl"),
		MaxNumberOfMessages:   intOrZero(v, "MaxNumberOfMessages"),
		VisibilityTimeout:     intPtr(v, "VisibilityTimeout"),
		WaitTimeSeconds:       intPtr(v, "WaitTimeSeconds"),
		AttributeNames:        queryAttributeNames(v, "AttributeName"),
		MessageAttributeNames: queryAttributeNames(v, "MessageAttributeName"),
	}
	return req
}

func decodeDeleteMessageQuery(v url.Values) models.DeleteMessageRequest {
	return models.DeleteMessageRequest{QueueUrl: v.Get("QueueUrl"), ReceiptHandle: v.Get("ReceiptHandle")}
}

func decodeDeleteMessageBatchQuery(v url.Values) models.DeleteMessageBatchRequest {
	entries := groupEntries(v, "Entries")
	out := make([]models.DeleteMessageBatchRequestEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.DeleteMessageBatchRequestEntry{Id: e["Id"], ReceiptHandle: e["ReceiptHandle"]})
	}
	return models.DeleteMessageBatchRequest{QueueUrl: v.Get("QueueUrl"), Entries: out}
}

func decodeChangeMessageVisibilityQuery(v url.Values) models.ChangeMessageVisibilityRequest {
	return models.ChangeMessageVisibilityRequest{
		QueueUrl:          v.Get("QueueUrl"),
		ReceiptHandle:     v.Get("ReceiptHandle"),
		VisibilityTimeout: intOrZero(v, "VisibilityTimeout"),
	}
}

func decodeChangeMessageVisibilityBatchQuery(v url.Values) models.ChangeMessageVisibilityBatchRequest {
	entries := groupEntries(v, "Entries")
	out := make([]models.ChangeMessageVisibilityBatchRequestEntry, 0, len(entries))
	for _, e := range entries {
		vt, _ := strconv.Atoi(e["VisibilityTimeout"])
		out = append(out, models.ChangeMessageVisibilityBatchRequestEntry{
			Id:                e["Id"],
			ReceiptHandle:     e["ReceiptHandle"],
			VisibilityTimeout: vt,
		})
	}
	return models.ChangeMessageVisibilityBatchRequest{QueueUrl: v.Get("QueueUrl"), Entries: out}
}
