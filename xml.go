package main

import (
	"encoding/xml"
	"net/http"

	"github.com/tabeth/sqslocal/models"
)

// The query/form framing's responses are rendered as XML. No XML
// templating library appears anywhere in the example pack, so this one
// boundary - a fixed, finite set of AWS response shapes - is built
// directly on encoding/xml.

type xmlResponseMetadata struct {
	RequestID string `xml:"RequestId"`
}

type xmlAttribute struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type xmlMessageAttribute struct {
	Name  string                   `xml:"Name"`
	Value xmlMessageAttributeValue `xml:"Value"`
}

type xmlMessageAttributeValue struct {
	DataType    string `xml:"DataType"`
	StringValue string `xml:"StringValue,omitempty"`
	BinaryValue []byte `xml:"BinaryValue,omitempty"`
}

type xmlMessage struct {
	MessageId        string                 `xml:"MessageId"`
	ReceiptHandle    string                 `xml:"ReceiptHandle"`
	MD5OfBody        string                 `xml:"MD5OfBody"`
	Body             string                 `xml:"Body"`
	Attribute        []xmlAttribute         `xml:"Attribute,omitempty"`
	MessageAttribute []xmlMessageAttribute  `xml:"MessageAttribute,omitempty"`
}

type xmlBatchResultErrorEntry struct {
	Id          string `xml:"Id"`
	Code        string `xml:"Code"`
	Message     string `xml:"Message"`
	SenderFault bool   `xml:"SenderFault"`
}

// --- per-operation envelopes -----------------------------------------------

type createQueueResponseXML struct {
	XMLName  xml.Name `xml:"CreateQueueResponse"`
	Result   struct {
		QueueUrl string `xml:"QueueUrl"`
	} `xml:"CreateQueueResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type listQueuesResponseXML struct {
	XMLName xml.Name `xml:"ListQueuesResponse"`
	Result  struct {
		QueueUrl []string `xml:"QueueUrl"`
	} `xml:"ListQueuesResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type getQueueUrlResponseXML struct {
	XMLName xml.Name `xml:"GetQueueUrlResponse"`
	Result  struct {
		QueueUrl string `xml:"QueueUrl"`
	} `xml:"GetQueueUrlResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type emptyResultResponseXML struct {
	XMLName  xml.Name
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type getQueueAttributesResponseXML struct {
	XMLName xml.Name `xml:"GetQueueAttributesResponse"`
	Result  struct {
		Attribute []xmlAttribute `xml:"Attribute"`
	} `xml:"GetQueueAttributesResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type sendMessageResponseXML struct {
	XMLName xml.Name `xml:"SendMessageResponse"`
	Result  struct {
		MD5OfMessageBody       string `xml:"MD5OfMessageBody"`
		MD5OfMessageAttributes string `xml:"MD5OfMessageAttributes,omitempty"`
		MessageId              string `xml:"MessageId"`
		SequenceNumber         string `xml:"SequenceNumber,omitempty"`
	} `xml:"SendMessageResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type sendMessageBatchResultEntryXML struct {
	Id                     string `xml:"Id"`
	MessageId              string `xml:"MessageId"`
	MD5OfMessageBody       string `xml:"MD5OfMessageBody"`
	MD5OfMessageAttributes string `xml:"MD5OfMessageAttributes,omitempty"`
	SequenceNumber         string `xml:"SequenceNumber,omitempty"`
}

type sendMessageBatchResponseXML struct {
	XMLName xml.Name `xml:"SendMessageBatchResponse"`
	Result  struct {
		SendMessageBatchResultEntry []sendMessageBatchResultEntryXML `xml:"SendMessageBatchResultEntry,omitempty"`
		BatchResultErrorEntry       []xmlBatchResultErrorEntry        `xml:"BatchResultErrorEntry,omitempty"`
	} `xml:"SendMessageBatchResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type receiveMessageResponseXML struct {
	XMLName xml.Name `xml:"ReceiveMessageResponse"`
	Result  struct {
		Message []xmlMessage `xml:"Message,omitempty"`
	} `xml:"ReceiveMessageResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type deleteMessageBatchResultEntryXML struct {
	Id string `xml:"Id"`
}

type deleteMessageBatchResponseXML struct {
	XMLName xml.Name `xml:"DeleteMessageBatchResponse"`
	Result  struct {
		DeleteMessageBatchResultEntry []deleteMessageBatchResultEntryXML `xml:"DeleteMessageBatchResultEntry,omitempty"`
		BatchResultErrorEntry         []xmlBatchResultErrorEntry          `xml:"BatchResultErrorEntry,omitempty"`
	} `xml:"DeleteMessageBatchResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type changeMessageVisibilityBatchResultEntryXML struct {
	Id string `xml:"Id"`
}

type changeMessageVisibilityBatchResponseXML struct {
	XMLName xml.Name `xml:"ChangeMessageVisibilityBatchResponse"`
	Result  struct {
		ChangeMessageVisibilityBatchResultEntry []changeMessageVisibilityBatchResultEntryXML `xml:"ChangeMessageVisibilityBatchResultEntry,omitempty"`
		BatchResultErrorEntry                   []xmlBatchResultErrorEntry                     `xml:"BatchResultErrorEntry,omitempty"`
	} `xml:"ChangeMessageVisibilityBatchResult"`
	Metadata xmlResponseMetadata `xml:"ResponseMetadata"`
}

type xmlErrorResponse struct {
	XMLName xml.Name `xml:"ErrorResponse"`
	Error   struct {
		Type    string `xml:"Type"`
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	} `xml:"Error"`
	RequestID string `xml:"RequestId"`
}

func xmlNameOf(local string) xml.Name {
	return xml.Name{Local: local}
}

func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	_ = enc.Encode(v)
}

func writeXMLError(w http.ResponseWriter, requestID string, sqsErr *SqsError) {
	resp := xmlErrorResponse{RequestID: requestID}
	resp.Error.Type = sqsErr.Type
	resp.Error.Code = sqsErr.Code
	resp.Error.Message = sqsErr.Message
	writeXML(w, sqsErr.HTTPStatus, resp)
}

func toXMLAttributes(m map[string]string) []xmlAttribute {
	if len(m) == 0 {
		return nil
	}
	out := make([]xmlAttribute, 0, len(m))
	for k, v := range m {
		out = append(out, xmlAttribute{Name: k, Value: v})
	}
	return out
}

func toXMLMessages(msgs []models.ResponseMessage) []xmlMessage {
	out := make([]xmlMessage, 0, len(msgs))
	for _, m := range msgs {
		xm := xmlMessage{
			MessageId:     m.MessageId,
			ReceiptHandle: m.ReceiptHandle,
			MD5OfBody:     m.MD5OfBody,
			Body:          m.Body,
			Attribute:     toXMLAttributes(m.Attributes),
		}
		for name, v := range m.MessageAttributes {
			xm.MessageAttribute = append(xm.MessageAttribute, xmlMessageAttribute{
				Name: name,
				Value: xmlMessageAttributeValue{
					DataType:    v.DataType,
					StringValue: v.StringValue,
					BinaryValue: v.BinaryValue,
				},
			})
		}
		out = append(out, xm)
	}
	return out
}

func toXMLBatchErrors(entries []models.BatchResultErrorEntry) []xmlBatchResultErrorEntry {
	out := make([]xmlBatchResultErrorEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, xmlBatchResultErrorEntry{Id: e.Id, Code: e.Code, Message: e.Message, SenderFault: e.SenderFault})
	}
	return out
}
