// Package demandflow provides a retail demand planning workflow engine.
//
// The engine runs forecast and re-forecast pipelines through external
// collaborator engines (demand forecasting, store allocation, markdown
// pricing) and comes with pluggable service layers such as:
//
//   - registry     – workflow session state machine and lifecycle
//   - orchestrator – stage scheduling over a worker pool
//   - hub          – live event broadcast to stream subscribers
//   - approval     – human-in-the-loop safety stock adjustment
//   - variance     – actuals ingestion and automatic re-forecast triggering
//
// Demandflow is designed to be embedded in host applications. End-users
// typically interact with the engine via the high-level Service façade
// exposed by the root package:
//
//	srv := demandflow.New()
//	rt := srv.Runtime()
//	_ = rt.Start(ctx)
//	wf, _ := rt.StartWorkflow(ctx, session.KindForecast, params)
//	snapshot, _ := rt.WaitForWorkflow(ctx, wf.ID, time.Minute)
//
// For more details see the README and individual sub-packages.
package demandflow
