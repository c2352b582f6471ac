package debugger

import (
	"debug/elf"
	"os"
)

func verifyBinaryFormat(exePath string) error {
	f, err := os.Open(exePath)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() || (fi.Mode()&0111) == 0 {
		return ErrNotExecutable
	}

	if _, err = elf.NewFile(f); err != nil {
		return ErrNotExecutable
	}
	return nil
}
