// Package heartbeat provides run liveness for claimed tasks.
//
// # Overview
//
// A run proves it is alive by stamping its task row on a fixed period. A
// sweeper elsewhere lists processing tasks whose stamp has gone silent and
// either requeues them into a new run or fails them.
//
//	┌─────────────┐   Store.Heartbeat(runID)   ┌─────────────┐
//	│    Pulse    │ ─────────────────────────> │    Store    │
//	│  (per run)  │                            │             │
//	└─────────────┘                            └──────┬──────┘
//	                                                  │ ListStaleTasks
//	                                           ┌──────▼──────┐
//	                                           │   Sweeper   │
//	                                           └─────────────┘
//
// # Usage
//
// Beating for one run:
//
//	pulse, _ := heartbeat.NewPulse(heartbeat.PulseConfig{
//	    Beat:     func(ctx context.Context) error { return st.Heartbeat(ctx, runID) },
//	    Interval: time.Second,
//	})
//	pulse.Start(ctx)
//	defer pulse.Stop()
//
// Sweeping stale runs:
//
//	sweeper, _ := heartbeat.NewSweeper(heartbeat.SweeperConfig{
//	    Store:      st,
//	    Timeout:    5 * time.Second, // several missed beats
//	    Requeue:    true,
//	    MaxRetries: 3,
//	})
//	sweeper.OnStale(func(task *store.TaskRow) { ... })
//	sweeper.Start(ctx)
//
// # Recommendations
//
//   - Set the sweep timeout to several heartbeat intervals
//   - Handle OnStale callbacks idempotently
//   - Run one sweeper per store; run fencing makes extra sweepers harmless
package heartbeat
