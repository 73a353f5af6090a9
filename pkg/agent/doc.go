// Package agent is the manager's side of talking to compute-node agents
// about reconcilable operations.
//
// A Prober sends one read-only describe request per record and returns the
// agent's answer. Target selection prefers the host the operation was sent
// to and falls back to an EndpointSelector that finds any usable host able
// to reach the storage or compute involved. Sends are rate limited so a
// large backlog after an outage does not storm the agents.
//
// GRPCTransport carries probes over gRPC. Agents register a Service backed
// by their own Describer with RegisterProbeServer.
package agent
