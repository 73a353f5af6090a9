/*
Package client provides a Go client for the burrow manager gRPC API.

Agents use it to piggyback operation states on their heartbeats. A manager
started with --join asks the current leader for a raft voter slot through
it, and the CLI lists and removes ledger records with it. Every
call except ListRecords is leader-only; a follower answers with
FailedPrecondition naming the leader's address.

# Usage

	c, err := client.NewClient("10.0.0.1:7947")
	if err != nil {
		return err
	}
	defer c.Close()

	err = c.Report(ctx, &codec.HeartbeatReport{
		HostID: 7,
		Operations: []codec.OperationReport{{
			RequestSequence: 30,
			Signature:       sig,
			State:           types.AgentStateCompleted,
			Answer:          answer,
		}},
	})

Calls without a deadline on ctx are bounded by DefaultTimeout. Pass WithCA
as a dial option to verify the manager over TLS.
*/
package client
