// Package queue carries generation job ids over a durable RabbitMQ queue.
// Delivery is at least once; consumers rely on the job claim to drop
// duplicates.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrBadMessage = errors.New("malformed job message")

type JobMessage struct {
	JobID string `json:"job_id"`
}

func encode(jobID string) ([]byte, error) {
	return json.Marshal(JobMessage{JobID: jobID})
}

func decode(body []byte) (string, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	id := strings.TrimSpace(msg.JobID)
	if id == "" {
		return "", fmt.Errorf("%w: empty job id", ErrBadMessage)
	}
	return id, nil
}

// declare makes sure the durable job queue exists. It is idempotent.
func declare(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}
