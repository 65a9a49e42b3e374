// Command fat2ext4fixture writes a small synthetic FAT32 image to disk, for
// exercising fat2ext4 (or internal/convert directly) against known inputs
// without needing a real FAT32 toolchain.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pilat/fat2ext4/internal/fixture"
)

func main() {
	os.Exit(run())
}

func run() int {
	out := flag.String("out", "", "path to write the image to")
	sizeMB := flag.Int("size-mb", 16, "image size in MiB")
	clusterKB := flag.Int("cluster-kb", 4, "cluster size in KiB")
	scenario := flag.String("scenario", "empty", "empty|long-name|many-files")
	fileCount := flag.Int("n", 600, "file count for the many-files scenario")
	flag.Parse()

	if *out == "" {
		fmt.Fprintln(os.Stderr, "fat2ext4fixture: -out is required")
		return 2
	}

	sizeBytes := uint64(*sizeMB) * 1024 * 1024
	clusterSize := uint32(*clusterKB) * 1024

	var data []byte
	switch *scenario {
	case "empty":
		data = fixture.Empty(sizeBytes, clusterSize)
	case "long-name":
		data = fixture.LongName(sizeBytes, clusterSize)
	case "many-files":
		data = fixture.ManyFiles(sizeBytes, clusterSize, *fileCount)
	default:
		fmt.Fprintf(os.Stderr, "fat2ext4fixture: unknown scenario %q\n", *scenario)
		return 2
	}

	if err := os.WriteFile(*out, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "fat2ext4fixture: %v\n", err)
		return 1
	}
	return 0
}
