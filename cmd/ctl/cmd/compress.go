package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/tier"
	"github.com/jpfielding/htj2k.go/pkg/dicom"
	"github.com/jpfielding/htj2k.go/pkg/dicom/transfer"
	"github.com/spf13/cobra"
)

// NewCompressCmd transcodes the pixel data of a DICOM file to HTJ2K.
func NewCompressCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compress [file]",
		Short: "Compress DICOM pixel data to HTJ2K",
		Long:  "Reads a DICOM file, encodes its first frame as HTJ2K and writes it under the matching HTJ2K transfer syntax. Reports the ratio and encode time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := intentFromFlags(cmd)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString("out")
			raw, _ := cmd.Flags().GetString("codestream")
			tsFlag, _ := cmd.Flags().GetString("transfer-syntax")
			verbose, _ := cmd.Flags().GetBool("verbose")
			return runCompress(cmd.Context(), inputArg(cmd, args), out, raw, tsFlag, intent, verbose)
		},
	}
	pf := cmd.PersistentFlags()
	pf.StringP("in", "i", "", "DICOM URI to compress (path, - or http)")
	pf.StringP("out", "o", "", "output DICOM path, - for stdout")
	pf.String("codestream", "", "also write the bare codestream to this path")
	pf.String("transfer-syntax", "", "force 201, 202 or 203 instead of deriving it")
	pf.Bool("verbose", false, "dump http exchanges")
	addIntentFlags(cmd)
	return cmd
}

func addIntentFlags(cmd *cobra.Command) {
	def := dicom.DefaultIntent()
	pf := cmd.PersistentFlags()
	pf.Bool("reversible", def.Lossless, "lossless 5/3 coding, false selects 9/7")
	pf.Int("levels", def.Levels, "decomposition levels, clamped to the frame size")
	pf.Int("block-size", def.BlockSize, "code-block width and height")
	pf.String("progression", def.Progression.String(), "LRCP, RLCP, RPCL, PCRL or CPRL")
	pf.String("tileparts", "", "tile-part division: R, C or RC")
	pf.Bool("tlm", false, "write tile-part length markers")
	pf.Int("layers", def.Layers, "quality layers")
	pf.Float64("ratio", 0, "lossy target ratio, 0 codes at qstep precision")
	pf.Float64("qstep", def.QStep, "base quantization step for 9/7")
	pf.Bool("strict", def.Strict, "reject samples outside bits stored instead of clipping")
	pf.Int("workers", 0, "block coding workers, 0 uses GOMAXPROCS")
}

func intentFromFlags(cmd *cobra.Command) (dicom.Intent, error) {
	in := dicom.DefaultIntent()
	f := cmd.Flags()
	in.Lossless, _ = f.GetBool("reversible")
	in.Levels, _ = f.GetInt("levels")
	in.BlockSize, _ = f.GetInt("block-size")
	in.TLM, _ = f.GetBool("tlm")
	in.Layers, _ = f.GetInt("layers")
	in.Ratio, _ = f.GetFloat64("ratio")
	in.QStep, _ = f.GetFloat64("qstep")
	in.Strict, _ = f.GetBool("strict")
	in.Workers, _ = f.GetInt("workers")

	prog, _ := f.GetString("progression")
	p, err := tier.ParseProgression(prog)
	if err != nil {
		return in, err
	}
	in.Progression = p
	division, _ := f.GetString("tileparts")
	d, err := tier.ParseDivision(division)
	if err != nil {
		return in, err
	}
	in.TileParts = d
	if in.Ratio > 0 && in.Lossless {
		return in, fmt.Errorf("--ratio needs --reversible=false")
	}
	return in, nil
}

// parseChoice maps the short or full UID to a transfer syntax choice.
func parseChoice(s string) (dicom.TransferSyntaxChoice, error) {
	switch s {
	case "201":
		s = string(transfer.HTJ2KLossless)
	case "202":
		s = string(transfer.HTJ2KLosslessRPCL)
	case "203":
		s = string(transfer.HTJ2K)
	}
	return dicom.ChoiceFor(transfer.Syntax(s))
}

func runCompress(ctx context.Context, uri, out, raw, tsFlag string, intent dicom.Intent, verbose bool) error {
	rc, err := openURI(ctx, uri, verbose)
	if err != nil {
		return err
	}
	ds, err := dicom.Parse(rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	if n := dicom.GetNumberOfFrames(ds); n > 1 {
		slog.WarnContext(ctx, "only the first frame is transcoded", "frames", n)
	}
	pb, from, err := dicom.ReadPixelData(ctx, ds)
	if err != nil {
		return err
	}

	start := time.Now()
	frame, err := dicom.EncodeFrame(ctx, pb, intent)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	choice, err := dicom.ChoiceFor(frame.TransferSyntax)
	if tsFlag != "" {
		choice, err = parseChoice(tsFlag)
	}
	if err != nil {
		return err
	}
	element, err := dicom.Wrap(frame, choice)
	if err != nil {
		return err
	}
	if err := dicom.WritePixelData(ds, element, choice.UID()); err != nil {
		return err
	}
	if raw != "" {
		if err := os.WriteFile(raw, frame.Codestream, 0644); err != nil {
			return err
		}
	}
	if err := writeDataset(out, ds); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%s -> %s (%s)\n", from.Name(), choice.UID().Name(), choice.UID())
	fmt.Fprintf(os.Stderr, "%dx%dx%d %d bits: %d -> %d bytes, ratio %.2f, encoded in %s\n",
		pb.Columns, pb.Rows, pb.SamplesPerPixel, pb.BitsStored,
		pb.FrameSize(), len(frame.Codestream), frame.Ratio, elapsed.Round(time.Microsecond))
	return nil
}

func writeDataset(out string, ds *dicom.Dataset) error {
	if out == "" || out == "-" {
		_, err := dicom.Write(os.Stdout, ds)
		return err
	}
	n, err := dicom.WriteFile(out, ds)
	if err != nil {
		return err
	}
	slog.Debug("dataset written", "path", out, "bytes", n)
	return nil
}
