package sqsqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"wagate/internal/domain"
)

// API is the part of *sqs.Client the producer and consumer use.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// InboundEvent carries one raw provider callback from the ingress to the
// processor. Keep it small; SQS has a 256KB message size limit.
type InboundEvent struct {
	Instance   string          `json:"instance"`
	Variant    domain.Variant  `json:"variant"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type Producer struct {
	SQS      API
	QueueURL string
	// FIFO queues get per-instance ordering and content-based dedup ids.
	FIFO bool
}

func (p *Producer) Enqueue(ctx context.Context, ev InboundEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if p.FIFO {
		in.MessageGroupId = str(messageGroupID(ev.Instance))
		in.MessageDeduplicationId = str(dedupID(ev))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

// IsFIFO reports whether queueURL names a FIFO queue.
func IsFIFO(queueURL string) bool { return strings.HasSuffix(queueURL, ".fifo") }

func messageGroupID(instance string) string { return "instance:" + instance }

// dedupID is stable for a redelivered callback so Meta's retries collapse.
func dedupID(ev InboundEvent) string {
	sum := sha256.Sum256(append([]byte(ev.Instance+"\x00"), ev.Payload...))
	return hex.EncodeToString(sum[:])
}

func str(s string) *string { return &s }
