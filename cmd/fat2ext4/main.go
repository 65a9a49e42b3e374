// Command fat2ext4 converts a FAT32 volume to ext4 in place. It maps the
// target file or block device read-write, runs the conversion pipeline
// against the mapping, and flushes the result back before exiting.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/pilat/fat2ext4/internal/convert"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <device-or-image>\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	path := flag.Arg(0)

	log := logrus.StandardLogger()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		log.WithError(err).Error("fat2ext4: open")
		return 1
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		log.WithError(err).Error("fat2ext4: stat")
		return 1
	}
	size := st.Size()
	if size <= 0 {
		log.Error("fat2ext4: empty target")
		return 1
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		log.WithError(err).Error("fat2ext4: mmap")
		return 1
	}
	defer unix.Munmap(data)

	c, err := convert.New(data, convert.WithLogger(log))
	if err != nil {
		log.WithError(err).Error("fat2ext4: unsupported input")
		return exitCodeFor(err)
	}

	if err := c.Run(); err != nil {
		log.WithError(err).Error("fat2ext4: conversion failed")
		if syncErr := unix.Msync(data, unix.MS_SYNC); syncErr != nil {
			log.WithError(syncErr).Error("fat2ext4: msync after failed conversion")
		}
		return exitCodeFor(err)
	}

	if err := unix.Msync(data, unix.MS_SYNC); err != nil {
		log.WithError(err).Error("fat2ext4: msync")
		return 1
	}

	log.WithField("path", path).Info("fat2ext4: conversion complete")
	return 0
}

// exitCodeFor distinguishes the error kinds spec.md §7 names, for scripts
// that branch on the process exit code rather than parsing stderr.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, convert.ErrGeometryUnsupported):
		return 3
	case errors.Is(err, convert.ErrGroupOverheadTooBig):
		return 4
	case errors.Is(err, convert.ErrAllocatorExhausted):
		return 5
	case errors.Is(err, convert.ErrInodesExhausted):
		return 6
	default:
		return 1
	}
}
