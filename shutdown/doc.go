// Package shutdown coordinates an orderly stop of a taskbroker process.
//
// Handlers register under a phase. Phases run in ascending order and the
// handlers of one phase run concurrently. The process uses the predefined
// phases so that claiming stops before agents drain, agents drain before the
// sweeper and broker close, and storage closes last:
//
//	PhaseIntake   claim loops, dispatch intake
//	PhaseAgents   in-flight task agents
//	PhaseSweeper  stale-run detection
//	PhaseBroker   pending claims, subscriptions
//	PhaseStorage  bus, store
//
// Usage:
//
//	coord, _ := shutdown.NewCoordinator(shutdown.DefaultConfig(), logger)
//	stop := coord.HandleSignals(ctx)
//	defer stop()
//
//	coord.RegisterFunc("sweeper", shutdown.PhaseSweeper, func(context.Context) error {
//	    return sweeper.Stop()
//	})
//	coord.RegisterFunc("store", shutdown.PhaseStorage, func(context.Context) error {
//	    return st.Close()
//	})
//
//	<-coord.Done()
//
// An agent interrupted by shutdown is not completed. Its heartbeat stops,
// its run goes stale and a sweeper elsewhere requeues it.
package shutdown
