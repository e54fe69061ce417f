// seedmsgs publishes synthetic message events to the message-events topic
// for local development: a stream of new messages with a configurable share
// of edits, deletions, and out-of-order backfill batches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evanli-dev/chatsearch/internal/message"
	"github.com/evanli-dev/chatsearch/pkg/config"
	"github.com/evanli-dev/chatsearch/pkg/kafka"
	"github.com/evanli-dev/chatsearch/pkg/logger"
)

var samples = []string{
	"did anyone see the meeting notes from yesterday",
	"the deploy is done, watch the dashboards for a bit",
	"lunch at the usual place at noon?",
	"今天天气真好，出去走走吧",
	"那只老鼠又出现了，谁去处理一下",
	"remember to rotate the staging credentials this week",
	"the new build is about twenty percent faster",
	"看到那份报告了吗，数据有点问题",
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	chats := flag.Int("chats", 3, "number of chats to simulate")
	count := flag.Int("count", 1000, "number of live messages to publish")
	editRate := flag.Float64("edit-rate", 0.1, "fraction of messages later edited")
	deleteRate := flag.Float64("delete-rate", 0.05, "fraction of messages later deleted")
	backfillEvery := flag.Int("backfill-every", 200, "publish a backfill batch every N messages (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := slog.Default().With("component", "seedmsgs")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.MessageEvents)
	defer producer.Close()

	nextID := make([]int64, *chats)
	for i := range nextID {
		// Leave a gap below the first live id so backfill has history to fill.
		nextID[i] = 1000
	}

	published := 0
	for published < *count {
		select {
		case <-ctx.Done():
			log.Info("interrupted", "published", published)
			return
		default:
		}

		chat := rand.Intn(*chats)
		chatID := int64(chat + 1)
		nextID[chat]++
		msg := message.Message{
			ChatID:      chatID,
			MessageID:   nextID[chat],
			SenderID:    int64(rand.Intn(10) + 1),
			Timestamp:   time.Now().Unix(),
			Text:        samples[rand.Intn(len(samples))],
			EditVersion: 0,
		}
		if err := publish(ctx, producer, chatID, message.Event{
			Type:    message.EventNewMessage,
			Message: &msg,
		}); err != nil {
			log.Error("publish failed", "error", err)
			os.Exit(1)
		}
		published++

		if rand.Float64() < *editRate {
			edited := msg
			edited.EditVersion = 1
			edited.Text = msg.Text + " (edited)"
			if err := publish(ctx, producer, chatID, message.Event{
				Type:    message.EventEditedMessage,
				Message: &edited,
			}); err != nil {
				log.Error("publish failed", "error", err)
				os.Exit(1)
			}
		}
		if rand.Float64() < *deleteRate {
			if err := publish(ctx, producer, chatID, message.Event{
				Type:    message.EventDeletedMessage,
				Message: &msg,
			}); err != nil {
				log.Error("publish failed", "error", err)
				os.Exit(1)
			}
		}
		if *backfillEvery > 0 && published%*backfillEvery == 0 {
			batch := historyBatch(chatID, published)
			if err := publish(ctx, producer, chatID, message.Event{
				Type:  message.EventBackfillBatch,
				Batch: batch,
			}); err != nil {
				log.Error("publish failed", "error", err)
				os.Exit(1)
			}
		}
	}
	log.Info("seeding complete", "published", published)
}

// historyBatch fabricates a page of older messages below the live id range.
func historyBatch(chatID int64, salt int) *message.BackfillBatch {
	base := int64(900 - salt%800)
	if base < 10 {
		base = 10
	}
	msgs := make([]message.Message, 0, 20)
	for i := int64(0); i < 20; i++ {
		msgs = append(msgs, message.Message{
			ChatID:    chatID,
			MessageID: base + i,
			SenderID:  int64(rand.Intn(10) + 1),
			Timestamp: time.Now().Add(-time.Duration(900-base) * time.Hour).Unix(),
			Text:      samples[rand.Intn(len(samples))],
		})
	}
	return &message.BackfillBatch{
		ChatID:    chatID,
		Direction: message.DirectionOlder,
		Messages:  msgs,
	}
}

func publish(ctx context.Context, producer *kafka.Producer, chatID int64, event message.Event) error {
	return producer.Publish(ctx, kafka.Event{
		Key:   fmt.Sprintf("%d", chatID),
		Value: event,
	})
}
