/*
Package api exposes the manager's network surfaces: the gRPC manager service
agents report to, and the HTTP health and metrics endpoints.

# Architecture

	┌──────────── Agents ────────────┐     ┌──── Joining manager ────┐
	│ heartbeat + operation states   │     │ node id + raft address  │
	└───────────────┬────────────────┘     └────────────┬────────────┘
	                │ Report                            │ Join
	┌───────────────▼──────── pkg/api ──────────────────▼────────────┐
	│  MetricsInterceptor  ->  LeaderOnlyInterceptor  ->  Server      │
	│                                                                  │
	│  Report: refresh host heartbeat, mark host Up,                   │
	│          bridge.Process, Trigger ready records                   │
	│  Join:   Cluster.AddVoter                                        │
	│  Track / Complete: dispatch path, ledger.Tracker                 │
	│  ListRecords / RemoveRecord: operator access to the ledger       │
	└──────────────────────────────────────────────────────────────────┘

	HealthServer (HTTP)
	  /health             process is serving
	  /ready              leader known and ledger readable
	  /live               liveness with uptime
	  /health/components  per-component health registered by the manager
	  /metrics            Prometheus exposition

# Wire Format

The service is declared by hand with grpc.ServiceDesc and carries
well-known protobuf types. Report takes a BytesValue holding a heartbeat
encoded by pkg/codec; Join takes a Struct with "node_id" and "address"
fields. Both return Empty. ListRecords takes an optional management state
in a StringValue and returns the matching records as JSON in a BytesValue;
RemoveRecord takes a Struct with "sequence" and "signature". Track and
Complete take a BytesValue holding a codec.Batch: Track persists a CREATED
record for each reconcilable operation sent to the batch's host, Complete
drops the records whose aligned answer succeeded.

# Leadership

Report, Join, RemoveRecord, Track and Complete write through raft, so a follower rejects them:
Unavailable while no leader is elected, FailedPrecondition naming the
leader's address otherwise. Agents are expected to resend to that address.

# Errors

	InvalidArgument     undecodable payload, malformed operation, incomplete request, unknown state
	NotFound            heartbeat from an unregistered host
	FailedPrecondition  heartbeat from a removed host, call on a follower
	Internal            storage or raft failure

Every call is counted in burrow_api_requests_total by method and code.
*/
package api
