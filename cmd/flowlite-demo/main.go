// Command flowlite-demo runs a tiny order-fulfillment flow against a
// SQLite-backed engine: zero configuration beyond a file path. It starts an
// instance, lets the scheduler drive it to the point where it waits for a
// PAID event, sends that event, and waits until it reaches FULFILLED.
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowlite-go/flowlite"
	"github.com/flowlite-go/flowlite/flow"
	"github.com/flowlite-go/flowlite/flow/builder"
	"github.com/flowlite-go/flowlite/flow/metrics"
	"github.com/flowlite-go/flowlite/flow/persist"
	"github.com/flowlite-go/flowlite/flow/persist/sqlstore"
	"github.com/flowlite-go/flowlite/flow/ticks"
	"github.com/flowlite-go/flowlite/flow/tracing"
)

type orderStage string

func (s orderStage) String() string { return string(s) }

type orderEvent string

func (e orderEvent) String() string { return string(e) }

// OrderState is the domain state carried through the flow.
type OrderState struct {
	OrderID string
	Total   int
	Paid    bool
}

func main() {
	dbPath := "./flowlite-demo.db"
	store, err := sqlstore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer store.Close()
	fmt.Printf("opened SQLite store at %s\n", dbPath)

	def, err := builder.Build(builder.FlowSpec[OrderState, orderStage, orderEvent]{
		InitialStage:    "PLACED",
		HasInitialStage: true,
		Stages: []builder.StageSpec[OrderState, orderStage, orderEvent]{
			{
				Stage: "PLACED",
				Action: func(s OrderState) (*OrderState, error) {
					fmt.Printf("order %s placed, total=%d\n", s.OrderID, s.Total)
					return &s, nil
				},
				NextStage:    "AWAITING_PAYMENT",
				HasNextStage: true,
			},
			{
				Stage: "AWAITING_PAYMENT",
				EventHandlers: map[orderEvent]flow.EventHandler[OrderState, orderStage]{
					"PAID": flow.OnEvent[OrderState, orderStage]("FULFILLED"),
				},
			},
			{
				Stage: "FULFILLED",
				Action: func(s OrderState) (*OrderState, error) {
					s.Paid = true
					fmt.Printf("order %s fulfilled\n", s.OrderID)
					return &s, nil
				},
			},
		},
	})
	if err != nil {
		log.Fatalf("build flow: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	tracerProvider := sdktrace.NewTracerProvider()
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Printf("tracer provider shutdown: %v", err)
		}
	}()
	tracer := tracing.New(tracerProvider.Tracer("flowlite"))

	queue := sqlstore.Queue(store)
	scheduler := ticks.New(queue,
		ticks.WithWorkerConcurrency(2),
		ticks.WithIdlePollDelay(50*time.Millisecond),
		ticks.WithMetrics(recorder),
	)

	engine := flowengine.New(flowengine.Config{
		EventStore:    sqlstore.EventStore(store),
		TickScheduler: scheduler,
		HistoryStore:  sqlstore.HistoryStore(store),
		Tracer:        tracer,
		Metrics:       recorder,
	})

	persister := sqlstore.StatePersister[OrderState](store, "orders")
	if _, err := flowengine.RegisterFlow[OrderState, orderStage, orderEvent](engine, "orders", def, persister); err != nil {
		log.Fatalf("register flow: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.Start(ctx)
	defer func() {
		if err := scheduler.Shutdown(context.Background()); err != nil {
			log.Printf("scheduler shutdown: %v", err)
		}
	}()

	instanceID, err := engine.StartInstance(ctx, "orders", OrderState{OrderID: "ORD-1", Total: 42})
	if err != nil {
		log.Fatalf("start instance: %v", err)
	}

	waitForStage(ctx, engine, instanceID, "AWAITING_PAYMENT")

	if err := engine.SendEvent(ctx, "orders", instanceID, orderEvent("PAID")); err != nil {
		log.Fatalf("send event: %v", err)
	}

	waitForStage(ctx, engine, instanceID, "FULFILLED")

	fmt.Println("demo complete")
}

// waitForStage polls GetStatus until the instance reaches want, printing
// each observed stage/status pair. The demo is small enough that a short
// poll loop is clearer than wiring up a completion channel.
func waitForStage(ctx context.Context, engine *flowengine.Engine, instanceID uuid.UUID, want string) {
	for {
		stage, status, err := engine.GetStatus(ctx, "orders", instanceID)
		if err != nil {
			log.Fatalf("get status: %v", err)
		}
		fmt.Printf("  instance %s: stage=%s status=%s\n", instanceID, stage, status)
		if stage == want {
			return
		}
		if status == persist.StatusError {
			log.Fatalf("instance %s failed waiting to reach %s", instanceID, want)
		}
		time.Sleep(50 * time.Millisecond)
	}
}
