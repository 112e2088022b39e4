package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jpfielding/htj2k.go/pkg/dicom"
	"github.com/spf13/cobra"
)

// NewDecompressCmd rewrites HTJ2K pixel data as native Explicit VR Little
// Endian.
func NewDecompressCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decompress [file]",
		Short: "Decompress HTJ2K pixel data to native",
		Long:  "Reads a DICOM file whose pixel data uses an HTJ2K transfer syntax and writes it back with native pixel data.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			verbose, _ := cmd.Flags().GetBool("verbose")
			return runDecompress(cmd.Context(), inputArg(cmd, args), out, verbose)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("in", "i", "", "DICOM URI to decompress (path, - or http)")
	pf.StringP("out", "o", "", "output DICOM path, - for stdout")
	pf.Bool("verbose", false, "dump http exchanges")
	return cmd
}

func runDecompress(ctx context.Context, uri, out string, verbose bool) error {
	rc, err := openURI(ctx, uri, verbose)
	if err != nil {
		return err
	}
	ds, err := dicom.Parse(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if err := dicom.CheckTransferSyntax(dicom.GetTransferSyntax(ds)); err != nil {
		return err
	}
	start := time.Now()
	pb, from, err := dicom.ReadPixelData(ctx, ds)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	if err := dicom.WriteNativePixelData(ds, pb); err != nil {
		return err
	}
	if err := writeDataset(out, ds); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s -> %s: %dx%dx%d %d bits, decoded in %s\n",
		from.Name(), dicom.GetTransferSyntax(ds).Name(),
		pb.Columns, pb.Rows, pb.SamplesPerPixel, pb.BitsStored, elapsed.Round(time.Microsecond))
	return nil
}
