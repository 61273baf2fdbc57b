package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vinayprograms/taskbroker/store"
)

// readSpec loads a task spec from a YAML file, or from stdin when path is "-".
//
//	steps:
//	  - id: fetch
//	    action: log
//	    params:
//	      message: fetching
func readSpec(path string, stdin io.Reader) (store.TaskSpec, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return store.TaskSpec{}, fmt.Errorf("read spec: %w", err)
	}
	return parseSpec(data)
}

func parseSpec(data []byte) (store.TaskSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec store.TaskSpec
	if err := dec.Decode(&spec); err != nil {
		if err == io.EOF {
			return store.TaskSpec{}, fmt.Errorf("parse spec: empty document")
		}
		return store.TaskSpec{}, fmt.Errorf("parse spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return store.TaskSpec{}, err
	}
	return spec, nil
}
