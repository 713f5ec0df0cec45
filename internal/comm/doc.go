// Package comm defines the messaging layer a parallelmc process group runs on.
//
// A group is a fixed set of ranks, one per OS process. The ranks talk only
// through four collectives: a one-time seed scatter from the coordinator, a
// barrier, a reduction to the coordinator, and a group-wide abort. The
// [Communicator] interface captures exactly that set so the coordination
// logic can run on any transport:
//
//   - [local]: an in-process group, one goroutine per rank. Used in tests and
//     for single-rank runs.
//   - [filecomm]: ranks on one host sharing a run directory.
//   - [grpccomm]: the coordinator serves the collectives over gRPC.
//
// Calls are matched across ranks by collective kind and per-kind sequence
// number, the same way MPI matches collectives by call order.
//
// [Rendezvous] holds the round state for transports that keep the whole
// group's state in one process (local, and the gRPC coordinator).
//
// [local]: github.com/Iron-Ham/parallelmc/internal/comm/local
// [filecomm]: github.com/Iron-Ham/parallelmc/internal/comm/filecomm
// [grpccomm]: github.com/Iron-Ham/parallelmc/internal/comm/grpccomm
package comm
