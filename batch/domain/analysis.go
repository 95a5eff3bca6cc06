package domain

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Strategy selects how job priorities are computed for a batch.
type Strategy string

const (
	StrategySize     Strategy = "size"
	StrategyType     Strategy = "type"
	StrategyFifo     Strategy = "fifo"
	StrategyAdaptive Strategy = "adaptive"
)

// ValidStrategy reports whether s names a known priority strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategySize, StrategyType, StrategyFifo, StrategyAdaptive:
		return true
	}
	return false
}

// FileNode is one entry in an analyzed folder tree.
type FileNode struct {
	Name     string
	Path     string
	Size     int64
	IsDir    bool
	Children []*FileNode
}

// FolderAnalysis is the opaque inventory of a folder queued for ingestion.
// It is normally produced by the upload/analysis pipeline; AnalyzeDir builds
// one from a local directory for CLI use.
type FolderAnalysis struct {
	Root           *FileNode
	TotalFiles     int
	SupportedFiles int
	EstTotalTime   time.Duration
	Strategy       Strategy
}

// Files flattens the tree into the supported files, in tree walk order.
func (a *FolderAnalysis) Files() []*FileNode {
	var out []*FileNode
	var walk func(n *FileNode)
	walk = func(n *FileNode) {
		if n == nil {
			return
		}
		if !n.IsDir {
			if SupportedFileType(fileExt(n.Name)) {
				out = append(out, n)
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(a.Root)
	return out
}

// supportedTypes maps a file extension to its ingestion weight. The weight
// doubles as the score table for the "type" priority strategy.
var supportedTypes = map[string]float64{
	"md":   90,
	"txt":  90,
	"docx": 75,
	"doc":  75,
	"pdf":  70,
	"html": 65,
	"htm":  65,
	"csv":  60,
	"json": 60,
	"rst":  85,
}

// DefaultTypeWeight is used for supported extensions with no table entry.
const DefaultTypeWeight = 50

// SupportedFileType reports whether ext (without dot) can be ingested.
func SupportedFileType(ext string) bool {
	_, ok := supportedTypes[ext]
	return ok
}

// TypeWeight returns the score table entry for ext, or DefaultTypeWeight.
func TypeWeight(ext string) float64 {
	if w, ok := supportedTypes[ext]; ok {
		return w
	}
	return DefaultTypeWeight
}

func fileExt(name string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
}

// AnalyzeDir walks dir and builds a FolderAnalysis for it, estimating total
// processing time from aggregate size at the given throughput (bytes/sec).
func AnalyzeDir(dir string, strategy Strategy, throughput int64) (*FolderAnalysis, error) {
	if throughput <= 0 {
		return nil, errors.Errorf("analyze %s: throughput must be positive, got %d", dir, throughput)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "analyze %s", dir)
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("analyze %s: not a directory", dir)
	}

	a := &FolderAnalysis{Strategy: strategy}
	var totalSize int64
	var walk func(path string) (*FileNode, error)
	walk = func(path string) (*FileNode, error) {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		node := &FileNode{Name: fi.Name(), Path: path, IsDir: fi.IsDir()}
		if !fi.IsDir() {
			node.Size = fi.Size()
			a.TotalFiles++
			if SupportedFileType(fileExt(fi.Name())) {
				a.SupportedFiles++
				totalSize += fi.Size()
			}
			return node, nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			child, err := walk(filepath.Join(path, e.Name()))
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil
	}

	if a.Root, err = walk(dir); err != nil {
		return nil, errors.Wrapf(err, "analyze %s", dir)
	}
	a.EstTotalTime = time.Duration(totalSize/throughput) * time.Second
	return a, nil
}
