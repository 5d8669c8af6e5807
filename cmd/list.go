package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/gencache/gencache/checkpoint"
	"github.com/gencache/gencache/format"
)

func NewListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list <dir>",
		Aliases: []string{"ls"},
		Short:   "List the tensors a checkpoint directory holds",
		Args:    checkDirArg,
		RunE:    listHandler,
	}

	return cmd
}

func listHandler(cmd *cobra.Command, args []string) error {
	ts, err := checkpoint.ParseTensors(checkpoint.DirFS(args[0]))
	if err != nil {
		return err
	}

	var data [][]string
	var total int64

	for _, t := range ts {
		size := int64(t.DType().ElementSize())
		for _, dim := range t.Shape() {
			size *= int64(dim)
		}
		total += size

		data = append(data, []string{t.Name(), t.DType().String(), format.Shape(t.Shape()), format.HumanBytes(size)})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "TYPE", "SHAPE", "SIZE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	cmd.Printf("\n%d tensors, %s\n", len(ts), format.HumanBytes(total))

	return nil
}
