package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/parallelmc/internal/comm"
	"github.com/Iron-Ham/parallelmc/internal/comm/filecomm"
	"github.com/Iron-Ham/parallelmc/internal/comm/grpccomm"
	"github.com/Iron-Ham/parallelmc/internal/comm/local"
	"github.com/Iron-Ham/parallelmc/internal/config"
	"github.com/Iron-Ham/parallelmc/internal/errors"
	"github.com/Iron-Ham/parallelmc/internal/logging"
)

// openCommunicator brings up the messaging layer this rank was configured
// for. It must succeed on every rank before the group is constructed.
func openCommunicator(ctx context.Context, cfg *config.Config, launch config.Launch, logger *logging.Logger) (comm.Communicator, error) {
	transport := cfg.Group.ResolveTransport(launch.Size)
	logger.Debug("opening transport", "transport", transport, "rank", launch.Rank, "size", launch.Size)

	switch transport {
	case config.TransportInProc:
		if launch.Size != 1 {
			return nil, errors.NewValidationError("the inproc transport only runs a group of one").
				WithField("group.transport").WithValue(launch.Size)
		}
		return local.Single(), nil

	case config.TransportFile:
		c, err := filecomm.New(filecomm.Config{
			Fs:           afero.NewOsFs(),
			Dir:          cfg.Group.RunDir,
			Rank:         launch.Rank,
			Size:         launch.Size,
			PollInterval: cfg.Group.PollInterval(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to open file transport")
		}
		return c, nil

	case config.TransportGRPC:
		gc := grpccomm.Config{
			Address:     cfg.Group.Address,
			Rank:        launch.Rank,
			Size:        launch.Size,
			DialTimeout: cfg.Group.DialTimeout(),
			Logf: func(format string, args ...any) {
				logger.Debug(fmt.Sprintf(format, args...))
			},
		}
		if launch.Rank == comm.CoordinatorRank {
			c, err := grpccomm.Listen(gc)
			if err != nil {
				return nil, errors.Wrap(err, "failed to start coordinator")
			}
			logger.Debug("coordinator listening", "address", c.Addr().String())
			return c, nil
		}
		c, err := grpccomm.Dial(ctx, gc)
		if err != nil {
			return nil, errors.Wrap(err, "failed to reach coordinator")
		}
		return c, nil
	}

	return nil, errors.NewValidationError("unknown transport").WithField("group.transport").WithValue(transport)
}
