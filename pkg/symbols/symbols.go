// Package symbols maps instruction addresses of an executable to function
// names and source lines, using the ELF symbol table and DWARF debug info.
package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru"

	"github.com/deetdbg/deet/pkg/logflags"
)

const lineCacheSize = 1024

// OpenError is returned by Load when the executable can not be opened.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("could not open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// FormatError is returned by Load when the file is not an ELF executable or
// carries no usable DWARF information.
type FormatError struct {
	Path string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("could not read debug information of %s: %v", e.Path, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Function describes a function in the target program.
type Function struct {
	Name       string
	Entry, End uint64 // same as DW_AT_lowpc and DW_AT_highpc
}

type compileUnit struct {
	name   string
	entry  *dwarf.Entry
	ranges [][2]uint64
}

func (cu *compileUnit) contains(pc uint64) bool {
	for _, rng := range cu.ranges {
		if pc >= rng[0] && pc < rng[1] {
			return true
		}
	}
	return false
}

type lineResult struct {
	line string
	ok   bool
}

// BinaryInfo holds the symbolic information of one executable. It is
// immutable after Load and safe for concurrent use.
type BinaryInfo struct {
	Path string

	// Functions is a list of all DW_TAG_subprogram entries in debug_info, sorted by entry point
	Functions []Function
	// elfSymbols are the STT_FUNC entries of the ELF symbol table, sorted by
	// address. They name code the DWARF info does not cover.
	elfSymbols []Function

	compileUnits []*compileUnit
	dwarf        *dwarf.Data

	// entry is the entry point of the ELF header, elfType tells whether the
	// executable can be loaded anywhere.
	entry   uint64
	elfType elf.Type

	lineCache *lru.Cache
	closer    io.Closer
}

// Load opens the executable at path and reads its symbol table and DWARF
// info.
func Load(path string) (*BinaryInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, &FormatError{Path: path, Err: err}
	}
	bi, err := loadBinaryInfo(ef)
	if err != nil {
		f.Close()
		return nil, &FormatError{Path: path, Err: err}
	}
	bi.Path = path
	bi.closer = f
	logflags.SymbolsLogger().Debugf("loaded %s: %d functions, %d symbols, %d compile units", path, len(bi.Functions), len(bi.elfSymbols), len(bi.compileUnits))
	return bi, nil
}

func loadBinaryInfo(ef *elf.File) (*BinaryInfo, error) {
	d, err := ef.DWARF()
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(lineCacheSize)
	if err != nil {
		return nil, err
	}
	bi := &BinaryInfo{dwarf: d, lineCache: cache, entry: ef.Entry, elfType: ef.Type}
	if err := bi.loadDebugInfo(); err != nil {
		return nil, err
	}
	bi.loadElfSymbols(ef)
	return bi, nil
}

func (bi *BinaryInfo) loadDebugInfo() error {
	rdr := bi.dwarf.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return fmt.Errorf("malformed debug_info: %w", err)
		}
		if entry == nil {
			break
		}
		switch entry.Tag {
		case dwarf.TagCompileUnit:
			cu := &compileUnit{entry: entry}
			cu.name, _ = entry.Val(dwarf.AttrName).(string)
			ranges, err := bi.dwarf.Ranges(entry)
			if err != nil {
				logflags.SymbolsLogger().Warnf("could not read ranges of compile unit %q: %v", cu.name, err)
			}
			cu.ranges = ranges
			bi.compileUnits = append(bi.compileUnits, cu)

		case dwarf.TagSubprogram:
			name, ok := entry.Val(dwarf.AttrName).(string)
			if !ok {
				continue
			}
			ranges, err := bi.dwarf.Ranges(entry)
			if err != nil || len(ranges) == 0 {
				// abstract origin of inlined functions, no code of its own
				continue
			}
			for _, rng := range ranges {
				bi.Functions = append(bi.Functions, Function{Name: name, Entry: rng[0], End: rng[1]})
			}
		}
	}
	if len(bi.compileUnits) == 0 {
		return errors.New("no compile units")
	}
	sort.Slice(bi.Functions, func(i, j int) bool { return bi.Functions[i].Entry < bi.Functions[j].Entry })
	return nil
}

func (bi *BinaryInfo) loadElfSymbols(ef *elf.File) {
	syms, err := ef.Symbols()
	if err != nil {
		logflags.SymbolsLogger().Debugf("no ELF symbol table: %v", err)
		return
	}
	for _, sym := range syms {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Value == 0 || sym.Size == 0 {
			continue
		}
		bi.elfSymbols = append(bi.elfSymbols, Function{Name: sym.Name, Entry: sym.Value, End: sym.Value + sym.Size})
	}
	sort.Slice(bi.elfSymbols, func(i, j int) bool { return bi.elfSymbols[i].Entry < bi.elfSymbols[j].Entry })
}

// PCToFunc returns the concrete function containing the given PC address.
// If the PC address belongs to an inlined call it will return the containing function.
func (bi *BinaryInfo) PCToFunc(pc uint64) *Function {
	if fn := lookupFunc(bi.Functions, pc); fn != nil {
		return fn
	}
	return lookupFunc(bi.elfSymbols, pc)
}

func lookupFunc(fns []Function, pc uint64) *Function {
	// Last function that starts at or before pc.
	i := sort.Search(len(fns), func(i int) bool { return fns[i].Entry > pc }) - 1
	if i < 0 {
		return nil
	}
	if fn := &fns[i]; pc < fn.End {
		return fn
	}
	return nil
}

// FunctionNameFor returns the name of the function containing pc.
func (bi *BinaryInfo) FunctionNameFor(pc uint64) (string, bool) {
	fn := bi.PCToFunc(pc)
	if fn == nil {
		return "", false
	}
	return fn.Name, true
}

// SourceLineFor returns the file:line of pc, according to the line table
// of the compile unit that contains it.
func (bi *BinaryInfo) SourceLineFor(pc uint64) (string, bool) {
	if v, ok := bi.lineCache.Get(pc); ok {
		r := v.(lineResult)
		return r.line, r.ok
	}
	file, line, ok := bi.pcToLine(pc)
	r := lineResult{ok: ok}
	if ok {
		r.line = fmt.Sprintf("%s:%d", file, line)
	}
	bi.lineCache.Add(pc, r)
	return r.line, r.ok
}

func (bi *BinaryInfo) pcToLine(pc uint64) (string, int, bool) {
	for _, cu := range bi.compileUnits {
		if !cu.contains(pc) {
			continue
		}
		lr, err := bi.dwarf.LineReader(cu.entry)
		if err != nil || lr == nil {
			return "", 0, false
		}
		var le dwarf.LineEntry
		if err := lr.SeekPC(pc, &le); err != nil {
			return "", 0, false
		}
		if le.File == nil {
			return "", 0, false
		}
		return le.File.Name, le.Line, true
	}
	return "", 0, false
}

// Image is the executable as loaded in one process. Its lookups take
// runtime addresses.
type Image struct {
	*BinaryInfo
	// StaticBase is the address the executable was loaded at, relative to
	// the addresses it was linked at.
	StaticBase uint64
}

// Relocate returns the image of a process whose entry point, as reported by
// the kernel, is entryPoint. Only position independent executables move,
// for any other one StaticBase is zero.
func (bi *BinaryInfo) Relocate(entryPoint uint64) *Image {
	img := &Image{BinaryInfo: bi}
	if bi.elfType == elf.ET_DYN && entryPoint >= bi.entry {
		img.StaticBase = entryPoint - bi.entry
	}
	return img
}

// FunctionNameFor returns the name of the function containing the runtime
// address pc.
func (img *Image) FunctionNameFor(pc uint64) (string, bool) {
	if pc < img.StaticBase {
		return "", false
	}
	return img.BinaryInfo.FunctionNameFor(pc - img.StaticBase)
}

// SourceLineFor returns the file:line of the runtime address pc.
func (img *Image) SourceLineFor(pc uint64) (string, bool) {
	if pc < img.StaticBase {
		return "", false
	}
	return img.BinaryInfo.SourceLineFor(pc - img.StaticBase)
}

// Close releases the executable file.
func (bi *BinaryInfo) Close() error {
	if bi.closer == nil {
		return nil
	}
	return bi.closer.Close()
}
