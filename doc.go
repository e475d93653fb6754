// Package zrm is a robotics-style middleware providing named, typed,
// many-to-many communication between processes organized as nodes.
//
// Four communication primitives are offered on top of a pluggable
// peer-to-peer transport:
//
//   - publish/subscribe topics (Publisher, Subscriber)
//   - request/response services (ServiceServer, ServiceClient), with
//     synchronous, asynchronous and cancellable call modes
//   - long-running actions (ActionServer, ActionClient) with goal state
//     tracking, streaming feedback and result retrieval
//   - a discovery graph (Graph) built from liveliness tokens
//
// Every endpoint publishes a liveliness key describing itself at
// construction and withdraws it on close; the Graph subscribes to the
// liveliness namespace of its domain and answers queries about the current
// population of nodes and endpoints. Discovery is eventually consistent: an
// endpoint created "just now" may not be visible yet.
//
// A typical program creates a Node and endpoints from it:
//
//	node, err := zrm.NewNode("talker", nil)
//	pub, err := zrm.NewPublisher[msgs.Pose2D](node, "robot/pose")
//	pub.Publish(&msgs.Pose2D{X: 1, Y: 2})
//
// Passing a nil context to NewNode uses the process-global context, which
// is initialized on first use from config.Load and torn down by Shutdown.
package zrm
