package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/gencache/gencache/checkpoint"
	"github.com/gencache/gencache/ml"
	"github.com/gencache/gencache/model"
)

func NewVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <dir>",
		Short: "Reconcile a checkpoint directory against its config",
		Args:  checkDirArg,
		RunE:  verifyHandler,
	}

	return cmd
}

func verifyHandler(cmd *cobra.Command, args []string) error {
	fsys := checkpoint.DirFS(args[0])

	config, err := model.LoadConfig(args[0])
	if err != nil {
		return err
	}
	slog.Info("loaded config", "architectures", config.Architectures, "layers", config.NumHiddenLayers)

	if err := checkpoint.VerifyIndex(fsys); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		slog.Debug("checkpoint is not sharded, skipping index check")
	}

	shapes := config.ParamShapes()
	if shapes == nil {
		return fmt.Errorf("cannot derive a parameter set for architectures %v", config.Architectures)
	}

	params := make(map[string]*ml.Tensor, len(shapes))
	for name, shape := range shapes {
		params[name] = ml.Zeros(config.DType(), shape...)
	}

	ts, err := checkpoint.ParseTensors(fsys)
	if err != nil {
		return err
	}
	checkpoint.AttachRepackers(ts, *config)

	res, err := checkpoint.Install(ts, params)
	if err != nil {
		return err
	}

	cmd.Printf("loaded %d of %d parameters\n", len(res.Loaded), len(params))
	for _, name := range res.Missing {
		cmd.Printf("missing: %s\n", name)
	}
	for _, name := range res.Unexpected {
		cmd.Printf("unexpected: %s\n", name)
	}

	return nil
}
