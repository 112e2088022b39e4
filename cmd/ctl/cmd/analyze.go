package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/codestream"
	"github.com/jpfielding/htj2k.go/pkg/compress/htj2k/dwt"
	"github.com/jpfielding/htj2k.go/pkg/dicom"
	"github.com/spf13/cobra"
)

// NewAnalyzeCmd creates the analyze cobra command
func NewAnalyzeCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Analyze DICOM pixel data and HTJ2K codestream structure",
		Long:  "Parses a DICOM file, or a bare codestream with --raw, and prints the image attributes, the codestream header and the tile-part layout. Optionally test decodes a layer or resolution subset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetBool("raw")
			out, _ := cmd.Flags().GetString("out")
			layers, _ := cmd.Flags().GetInt("layers")
			reduce, _ := cmd.Flags().GetInt("reduce")
			verbose, _ := cmd.Flags().GetBool("verbose")
			opts := htj2k.DecodeOptions{Layers: layers, Reduce: reduce}
			return runAnalyze(cmd.Context(), inputArg(cmd, args), raw, out, opts, verbose)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("in", "i", "", "DICOM URI to analyze (path, - or http)")
	pf.Bool("raw", false, "the input is a bare codestream")
	pf.String("out", "", "write the extracted codestream to this path")
	pf.Int("layers", 0, "test decode with only this many quality layers")
	pf.Int("reduce", 0, "test decode discarding this many resolution levels")
	pf.Bool("verbose", false, "dump http exchanges")
	return cmd
}

func runAnalyze(ctx context.Context, uri string, raw bool, outPath string, opts htj2k.DecodeOptions, verbose bool) error {
	rc, err := openURI(ctx, uri, verbose)
	if err != nil {
		return err
	}
	defer rc.Close()

	var data []byte
	if raw {
		data, err = io.ReadAll(rc)
		if err != nil {
			return err
		}
	} else {
		ds, err := dicom.Parse(rc)
		if err != nil {
			return fmt.Errorf("parse error: %w", err)
		}
		data, err = analyzeDataset(ds)
		if err != nil || data == nil {
			return err
		}
	}

	if outPath != "" {
		fmt.Printf("Writing codestream (%d bytes) to %s\n", len(data), outPath)
		if err := os.WriteFile(outPath, data, 0644); err != nil {
			return err
		}
	}
	if err := analyzeCodestream(data); err != nil {
		return err
	}

	fmt.Println("\n=== Decode Test ===")
	start := time.Now()
	img, err := htj2k.Decode(ctx, data, opts)
	if err != nil {
		fmt.Printf("Decode error: %v\n", err)
		return nil
	}
	fmt.Printf("Decoded %dx%dx%d in %s (layers=%d reduce=%d)\n",
		img.Width, img.Height, img.Components, time.Since(start).Round(time.Microsecond), opts.Layers, opts.Reduce)
	for c := 0; c < img.Components; c++ {
		lo, hi := img.Data[c][0], img.Data[c][0]
		for _, v := range img.Data[c] {
			lo, hi = min(lo, v), max(hi, v)
		}
		fmt.Printf("Component %d range: min=%d, max=%d\n", c, lo, hi)
	}
	if opts.Layers > 0 && opts.Reduce == 0 {
		full, err := htj2k.Decode(ctx, data, htj2k.DecodeOptions{})
		if err != nil {
			return err
		}
		mse, err := htj2k.MSE(full, img)
		if err != nil {
			return err
		}
		fmt.Printf("Against all layers: MSE %.3f, PSNR %.2f dB\n", mse, htj2k.PSNR(mse, img.BitDepth))
	}
	return nil
}

// analyzeDataset prints the image attributes of ds and returns its
// codestream, or nil when the pixel data is not encapsulated.
func analyzeDataset(ds *dicom.Dataset) ([]byte, error) {
	fmt.Printf("Total elements: %d\n\n", len(ds.Elements))

	fmt.Println("=== Key Metadata ===")
	fmt.Printf("SOPInstanceUID: %s\n", dicom.GetSOPInstanceUID(ds))
	fmt.Printf("Rows: %d\n", dicom.GetRows(ds))
	fmt.Printf("Columns: %d\n", dicom.GetColumns(ds))
	fmt.Printf("SamplesPerPixel: %d\n", dicom.GetSamplesPerPixel(ds))
	fmt.Printf("PhotometricInterpretation: %s\n", dicom.GetPhotometricInterpretation(ds))
	fmt.Printf("BitsAllocated: %d\n", dicom.GetBitsAllocated(ds))
	fmt.Printf("BitsStored: %d\n", dicom.GetBitsStored(ds))
	fmt.Printf("PixelRepresentation: %d (0=unsigned, 1=signed)\n", dicom.GetPixelRepresentation(ds))
	fmt.Printf("NumberOfFrames: %d\n", dicom.GetNumberOfFrames(ds))

	syntax := dicom.GetTransferSyntax(ds)
	fmt.Printf("TransferSyntax: %s (%s)\n", syntax, syntax.Name())
	fmt.Printf("Encapsulated: %v\n", syntax.IsEncapsulated())
	fmt.Println()

	pd, err := ds.GetPixelData()
	if err != nil {
		fmt.Printf("No pixel data: %v\n", err)
		return nil, nil
	}
	fmt.Println("=== Pixel Data ===")
	if !pd.Encapsulated {
		fmt.Printf("Native bytes: %d\n", len(pd.Native))
		return nil, nil
	}
	fmt.Printf("Fragments: %d\n", len(pd.Fragments))
	if len(pd.Offsets) > 0 {
		fmt.Printf("BOT Offsets: %v\n", pd.Offsets)
	}
	if !syntax.IsHTJ2K() {
		fmt.Println("Not an HTJ2K transfer syntax")
		return nil, nil
	}
	data, err := pd.Codestream()
	if err != nil {
		return nil, err
	}
	frame, err := dicom.Inspect(data)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Lossless: %v\n", frame.Lossless)
	if choice, err := dicom.ChoiceFor(syntax); err == nil {
		if _, err := dicom.Wrap(frame, choice); err != nil {
			fmt.Printf("Transfer syntax check: %v\n", err)
		} else {
			fmt.Println("Transfer syntax check: ok")
		}
	}
	fmt.Println()
	return data, nil
}

func analyzeCodestream(data []byte) error {
	cs, err := codestream.Parse(data)
	if err != nil {
		return err
	}
	siz := &cs.SIZ
	fmt.Println("=== Codestream ===")
	fmt.Printf("Size: %d bytes\n", len(data))
	fmt.Printf("Image: %dx%d offset (%d,%d)\n", siz.XSiz-siz.XOsiz, siz.YSiz-siz.YOsiz, siz.XOsiz, siz.YOsiz)
	fmt.Printf("Tiles: %d (%dx%d)\n", siz.NumTiles(), siz.XTsiz, siz.YTsiz)
	for c, comp := range siz.Components {
		kernel := dwt.Irreversible97
		if cs.CodingFor(c).Reversible() {
			kernel = dwt.Reversible53
		}
		fmt.Printf("Component %d: %d bits signed=%v kernel=%s\n", c, comp.Precision, comp.Signed, kernel)
	}
	cod := &cs.COD
	fmt.Printf("Progression: %s\n", cod.Progression)
	fmt.Printf("Layers: %d\n", cod.Layers)
	fmt.Printf("Levels: %d\n", cod.Levels)
	fmt.Printf("Code-blocks: %dx%d\n", 1<<cod.BlockWidthExp, 1<<cod.BlockHeightExp)
	fmt.Printf("MCT: %v SOP: %v EPH: %v\n", cod.MCT != 0, cod.SOP(), cod.EPH())
	if len(cod.Precincts) > 0 {
		for r := range cod.Precincts {
			ppx, ppy := cod.PrecinctExp(r)
			fmt.Printf("Precinct r%d: %dx%d\n", r, 1<<ppx, 1<<ppy)
		}
	}
	for _, com := range cs.Comments {
		if com.Registration == 1 {
			fmt.Printf("Comment: %s\n", com.Data)
		}
	}
	if len(cs.TLM) > 0 {
		fmt.Printf("TLM entries: %d\n", len(cs.TLM))
	}

	offsets, err := codestream.TilePartOffsets(data)
	if err != nil {
		return err
	}
	fmt.Printf("Tile-parts: %d\n", len(cs.TileParts))
	for i, tp := range cs.TileParts {
		fmt.Printf("  tile %d part %d/%d at %d, %d bytes\n",
			tp.Tile, tp.Part, tp.NumParts, offsets[i], offsets[i+1]-offsets[i])
	}
	fmt.Printf("Decoded bytes: %v\n", offsets)
	return nil
}
