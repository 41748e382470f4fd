package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/aridsondez/visqueue/internal/logging"
	"github.com/aridsondez/visqueue/internal/queue/store"
	"github.com/aridsondez/visqueue/internal/queue/store/memory"
	"github.com/aridsondez/visqueue/pkg/client"
	"github.com/aridsondez/visqueue/pkg/visqueue"
)

const (
	colorReset   = "\033[0m"
	colorRed     = "\033[31m"
	colorGreen   = "\033[32m"
	colorYellow  = "\033[33m"
	colorBlue    = "\033[34m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorBold    = "\033[1m"

	queueName  = "azurequeuesample" // upper case not allowed
	visibility = 5 * time.Second
)

func main() {
	server := flag.String("server", "", "base URL of a running API server (default: in-process queue)")
	flag.Parse()

	printHeader()

	var backend store.Backend = memory.New(nil)
	where := "in-process queue"
	if *server != "" {
		backend = client.NewClient(*server)
		where = *server
	}
	queues := visqueue.New(backend, visqueue.WithLogger(logging.Discard()))
	defer queues.Close()

	fmt.Printf("%s✓ Using %s%s\n\n", colorGreen, where, colorReset)

	if err := run(context.Background(), queues); err != nil {
		fmt.Printf("%s✗ Demo failed: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}

	printFooter()
}

func run(ctx context.Context, queues *visqueue.Client) error {
	printScenario("1. Create a queue")
	q, err := queues.EnsureCreated(ctx, queueName)
	if err != nil {
		return err
	}
	fmt.Printf("%s  ✓ Queue '%s' is ready%s\n\n", colorGreen, q.Name(), colorReset)

	printScenario("2. Enqueue 3 messages")
	for _, content := range []string{"Message 1", "Message 2", "Message 3"} {
		id, err := q.Enqueue(ctx, []byte(content))
		if err != nil {
			return err
		}
		fmt.Printf("%s  ✓ Enqueued '%s' (id %s)%s\n", colorGreen, content, id, colorReset)
	}
	fmt.Println()

	printScenario("3. Lease 2 messages and delete them")
	batch, err := q.Lease(ctx, 2, visibility)
	if err != nil {
		return err
	}
	for m := range batch {
		fmt.Printf("%s→ Processing '%s' (dequeue count %d)%s\n", colorYellow, m.Content, m.DequeueCount, colorReset)
		if err := q.Delete(ctx, m.ID, m.PopReceipt); err != nil {
			return err
		}
		fmt.Printf("%s  ✓ Deleted%s\n", colorGreen, colorReset)
	}
	fmt.Println()

	printScenario("4. Update the last message, visible again in 5 seconds")
	batch, err = q.Lease(ctx, 1, visibility)
	if err != nil {
		return err
	}
	var last visqueue.LeasedMessage
	found := false
	for m := range batch {
		last, found = m, true
	}
	if !found {
		return fmt.Errorf("queue %s is unexpectedly empty", q.Name())
	}
	if _, err := q.Update(ctx, last.ID, last.PopReceipt, []byte("Updated content"), visibility); err != nil {
		return err
	}
	fmt.Printf("%s  ✓ '%s' updated to 'Updated content'%s\n\n", colorGreen, last.Content, colorReset)

	printScenario("5. Delete before the update completes")
	fmt.Printf("%s→ Deleting with the receipt from before the update...%s\n", colorMagenta, colorReset)
	if err := q.Delete(ctx, last.ID, last.PopReceipt); err != nil {
		fmt.Printf("%s  ✗ Refused: %v%s\n", colorRed, err, colorReset)
	} else {
		fmt.Printf("%s  ! Stale delete was accepted%s\n", colorRed, colorReset)
	}
	if peeked, ok, err := q.PeekAnyImmediate(ctx); err == nil && ok {
		fmt.Printf("%s  ⓘ Peek still shows '%s' (hidden, dequeue count %d)%s\n",
			colorBlue, peeked.Content, peeked.DequeueCount, colorReset)
	}
	fmt.Println()

	printScenario("6. Wait 6 seconds")
	fmt.Printf("%s  ⏳ Waiting for the visibility timeout to expire...%s\n\n", colorBlue, colorReset)
	time.Sleep(6 * time.Second)

	printScenario("7. Read the queue again")
	batch, err = q.Lease(ctx, 1, visibility)
	if err != nil {
		return err
	}
	for m := range batch {
		fmt.Printf("%s  ✓ Processing message content and deleting [%s]%s\n", colorGreen, m.Content, colorReset)
		if err := q.Delete(ctx, m.ID, m.PopReceipt); err != nil {
			return err
		}
	}

	n, err := q.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s  ✓ %d message(s) left%s\n", colorGreen, n, colorReset)
	return nil
}

func printHeader() {
	fmt.Print(colorCyan + colorBold)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║         VISQUEUE - VISIBILITY TIMEOUT DEMO                 ║")
	fmt.Println("║         Lease, Update In Place & Pop Receipts              ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
	fmt.Println()
}

func printFooter() {
	fmt.Println()
	fmt.Print(colorCyan)
	fmt.Println("╔════════════════════════════════════════════════════════════╗")
	fmt.Println("║                    Demo Complete!                          ║")
	fmt.Println("╚════════════════════════════════════════════════════════════╝")
	fmt.Print(colorReset)
}

func printScenario(title string) {
	fmt.Printf("%s%s┌─────────────────────────────────────────────────────────────┐%s\n",
		colorBold, colorMagenta, colorReset)
	fmt.Printf("%s%s│ %-59s │%s\n",
		colorBold, colorMagenta, title, colorReset)
	fmt.Printf("%s%s└─────────────────────────────────────────────────────────────┘%s\n",
		colorBold, colorMagenta, colorReset)
}
