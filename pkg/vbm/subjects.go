package vbm

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ReadCovariates reads the named numeric column of a CSV file whose header
// has an id column. Rows with an empty value are skipped.
func ReadCovariates(path, column string) (map[string]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: reading header: %w", path, err)
	}
	idCol, valueCol := -1, -1
	for n, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "id", "subject", "subject_id":
			idCol = n
		case strings.ToLower(column):
			valueCol = n
		}
	}
	if idCol < 0 || valueCol < 0 {
		return nil, fmt.Errorf("%s: need an id and a %s column, got %v", path, column, header)
	}

	values := make(map[string]float64)
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		raw := strings.TrimSpace(record[valueCol])
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid %s %q", path, line, column, raw)
		}
		values[strings.TrimSpace(record[idCol])] = v
	}
	return values, nil
}

// subjectID strips the NIfTI extensions from a file name. It returns false
// for any other file.
func subjectID(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, ext := range []string{".nii.gz", ".nii"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)], true
		}
	}
	return "", false
}

// listSubjects maps the subject ids of a dataset directory to their files.
func listSubjects(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := subjectID(e.Name()); ok {
			files[id] = filepath.Join(dir, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no NIfTI images found in %s", dir)
	}
	return files, nil
}

// commonSubjects returns, sorted, the ids present in every dataset that
// also have a covariate.
func commonSubjects(datasets []map[string]string, covariates map[string]float64) []string {
	var ids []string
	for id := range covariates {
		shared := true
		for _, files := range datasets {
			if _, ok := files[id]; !ok {
				shared = false
				break
			}
		}
		if shared {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
