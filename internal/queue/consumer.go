package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// StartPurchaseConsumer connects to RabbitMQ, declares the durable
// pixels.purchased and payments.conflict queues, and consumes both.
// Each message is appended to logs/purchases.log in a single-line,
// human-friendly format. The function runs a reconnect loop with
// backoff and keeps running across broker restarts; processing errors
// are logged and the offending message rejected without requeue so
// the consumer never spins on a poison message.
func StartPurchaseConsumer() {
	url := brokerURL()
	backoff := time.Second
	for {
		conn, err := amqp.Dial(url)
		if err != nil {
			log.Printf("purchase-consumer: failed to dial broker: %v; retrying in %s", err, backoff)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		if err := consumeLoop(conn); err != nil {
			log.Printf("purchase-consumer: consume loop ended: %v; reconnecting", err)
			time.Sleep(2 * time.Second)
		}
	}
}

func consumeLoop(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		log.Printf("purchase-consumer: set QoS failed: %v", err)
	}

	for _, name := range []string{PurchaseQueueName, ConflictQueueName} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
	}

	purchases, err := ch.Consume(PurchaseQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", PurchaseQueueName, err)
	}
	conflicts, err := ch.Consume(ConflictQueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", ConflictQueueName, err)
	}

	for {
		select {
		case d, ok := <-purchases:
			if !ok {
				return errors.New("purchase deliveries channel closed")
			}
			handle(d, formatPurchase)
		case d, ok := <-conflicts:
			if !ok {
				return errors.New("conflict deliveries channel closed")
			}
			handle(d, formatConflict)
		}
	}
}

func handle(d amqp.Delivery, format func([]byte) (string, error)) {
	line, err := format(d.Body)
	if err != nil {
		log.Printf("purchase-consumer: handle message failed: %v", err)
		_ = d.Nack(false, false)
		return
	}
	if err := appendLog(line); err != nil {
		log.Printf("purchase-consumer: write log failed: %v", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func formatPurchase(body []byte) (string, error) {
	var ev PurchaseCompletedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	tag := ""
	if ev.Regranted {
		tag = " (re-granted after expiry)"
	}
	return fmt.Sprintf("[%s] Purchase completed%s | invoice=%s | owner=%s | pixels=%d | amount=%d sats\n",
		ev.CompletedAt, tag, ev.InvoiceID, ev.OwnerID, ev.PixelCount, ev.AmountSats), nil
}

func formatConflict(body []byte) (string, error) {
	var ev PaymentConflictEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return "", fmt.Errorf("unmarshal: %w", err)
	}
	return fmt.Sprintf("[%s] PAYMENT CONFLICT, needs refund | invoice=%s | pixels=%d | amount=%d sats | taken=[%s]\n",
		ev.DetectedAt, ev.InvoiceID, ev.PixelCount, ev.AmountSats, strings.Join(ev.UnavailablePixels, ",")), nil
}

func appendLog(line string) error {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(filepath.Join("logs", "purchases.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}
