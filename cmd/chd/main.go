// Command chd inspects, verifies and extracts MAME CHD disc images.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Manorhos/go-chd/archive"
	"github.com/Manorhos/go-chd/chd"
)

var (
	inputFile   = flag.String("i", "", "input file path: .chd, or an archive holding one (required)")
	archivePath = flag.String("p", "", "member path inside the archive (default: first .chd found)")
	parentFile  = flag.String("parent", "", "parent CHD for delta images")
	jsonOutput  = flag.Bool("json", false, "output as JSON")
	verify      = flag.Bool("verify", false, "decompress everything and check the SHA-1")
	hunkIndex   = flag.Int("hunk", -1, "dump the given hunk to stdout and exit")
	extractFile = flag.String("o", "", "extract the raw image to this file")
	version     = flag.Bool("version", false, "print version and exit")
)

const appVersion = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -i <file> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Inspects, verifies and extracts CHD disc images.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -i game.chd\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i game.chd -verify\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -i games.zip -p disc1.chd -o disc1.raw\n", os.Args[0])
	}
	flag.Parse()

	if *version {
		fmt.Printf("chd version %s\n", appVersion)
		os.Exit(0)
	}

	if *inputFile == "" {
		fmt.Fprintf(os.Stderr, "Error: input file required (-i)\n")
		flag.Usage()
		os.Exit(1)
	}

	file, closer, err := openInput(*inputFile, *archivePath, *parentFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening image: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = closer.Close() }()

	switch {
	case *hunkIndex >= 0:
		err = dumpHunk(file, uint32(*hunkIndex))
	case *extractFile != "":
		err = extract(file, *extractFile)
	case *verify:
		err = file.Verify()
		if err == nil {
			fmt.Println("SHA-1 OK")
		}
	case *jsonOutput:
		err = outputJSON(file)
	default:
		outputText(file)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openInput opens a CHD from a plain file or from inside an archive.
// The returned closer releases everything that was opened.
func openInput(path, memberPath, parentPath string) (*chd.File, io.Closer, error) {
	if !archive.IsArchiveExtension(filepath.Ext(path)) {
		file, err := chd.OpenWithParent(path, parentPath)
		if err != nil {
			return nil, nil, err
		}
		return file, file, nil
	}

	arc, err := archive.Open(path)
	if err != nil {
		return nil, nil, err
	}

	if memberPath == "" {
		images, err := archive.FindImages(arc)
		if err != nil {
			_ = arc.Close()
			return nil, nil, err
		}
		if len(images) == 0 {
			_ = arc.Close()
			return nil, nil, archive.NoImagesError{Archive: path}
		}
		memberPath = images[0].Name
	}

	reader, _, memberCloser, err := arc.OpenReaderAt(memberPath)
	if err != nil {
		_ = arc.Close()
		return nil, nil, err
	}

	var parent *chd.File
	if parentPath != "" {
		parent, err = chd.Open(parentPath)
		if err != nil {
			_ = memberCloser.Close()
			_ = arc.Close()
			return nil, nil, fmt.Errorf("open parent: %w", err)
		}
	}

	file, err := chd.OpenReaderWithParent(reader, parent)
	if err != nil {
		if parent != nil {
			_ = parent.Close()
		}
		_ = memberCloser.Close()
		_ = arc.Close()
		return nil, nil, err
	}

	closers := []io.Closer{memberCloser, arc}
	if parent != nil {
		closers = append(closers, parent)
	}
	return file, closeGroup(closers), nil
}

type closeGroup []io.Closer

func (g closeGroup) Close() error {
	var first error
	for _, c := range g {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func dumpHunk(file *chd.File, index uint32) error {
	data, err := file.ReadHunk(index)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func extract(file *chd.File, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, file.Reader()); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// imageInfo is the JSON output shape.
type imageInfo struct {
	Version      uint32      `json:"version"`
	LogicalBytes uint64      `json:"logical_bytes"`
	HunkBytes    uint32      `json:"hunk_bytes"`
	NumHunks     uint32      `json:"num_hunks"`
	UnitBytes    uint32      `json:"unit_bytes"`
	Compressors  []string    `json:"compressors,omitempty"`
	SHA1         string      `json:"sha1,omitempty"`
	HasParent    bool        `json:"has_parent"`
	Tracks       []chd.Track `json:"tracks,omitempty"`
}

func buildInfo(file *chd.File) imageInfo {
	h := file.Header()
	info := imageInfo{
		Version:      h.Version,
		LogicalBytes: h.LogicalBytes,
		HunkBytes:    h.HunkBytes,
		NumHunks:     h.NumHunks(),
		UnitBytes:    h.UnitBytes,
		HasParent:    h.HasParent(),
		Tracks:       file.Tracks(),
	}
	if h.RawSHA1 != [20]byte{} {
		info.SHA1 = fmt.Sprintf("%x", h.RawSHA1)
	}
	for _, tag := range h.Compressors {
		if tag != chd.CodecNone {
			info.Compressors = append(info.Compressors, chd.CodecTagString(tag))
		}
	}
	return info
}

func outputJSON(file *chd.File) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(buildInfo(file))
}

func outputText(file *chd.File) {
	info := buildInfo(file)

	fmt.Printf("CHD version: %d\n", info.Version)
	fmt.Printf("Logical size: %d bytes\n", info.LogicalBytes)
	fmt.Printf("Hunk size: %d bytes (%d hunks)\n", info.HunkBytes, info.NumHunks)
	fmt.Printf("Unit size: %d bytes\n", info.UnitBytes)
	if len(info.Compressors) > 0 {
		fmt.Printf("Compression:")
		for _, c := range info.Compressors {
			fmt.Printf(" %s", c)
		}
		fmt.Println()
	} else {
		fmt.Println("Compression: none")
	}
	if info.SHA1 != "" {
		fmt.Printf("SHA-1: %s\n", info.SHA1)
	}
	if info.HasParent {
		fmt.Println("Delta image (requires parent)")
	}

	if len(info.Tracks) > 0 {
		fmt.Println("\nTracks:")
		for _, t := range info.Tracks {
			fmt.Printf("  %2d: %s", t.Number, t.Type)
			if t.SubType != "NONE" && t.SubType != "" {
				fmt.Printf(" (+%s)", t.SubType)
			}
			fmt.Printf(" %d frames\n", t.Frames)
		}
	}
}
