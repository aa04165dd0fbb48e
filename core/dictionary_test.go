package core

import (
	"log"
	"strings"
	"testing"
)

func TestDictionary(t *testing.T) {
	dict := NewDictionary(NewCommandRegistry())
	log.Printf("Dictionary: %s", dict.Generate())

	dict.AddConstant("TEST_CONST", uint32(42))
	dict.AddConstant("TEST_STR", "hello")

	dict.AddEnumeration("test_pins", []string{"PA0", "PA1", "PB0"})

	dict.commandReg.Register("test_cmd", "arg=%u", func(data *[]byte) error {
		return nil
	})

	output := string(dict.Generate())

	t.Log("Generated dictionary:\n" + output)

	if !strings.Contains(output, `"version":"gopper-0.1.0"`) {
		t.Error("Dictionary missing version")
	}

	if !strings.Contains(output, `"TEST_CONST":"42"`) {
		t.Error("Dictionary missing TEST_CONST")
	}
	if !strings.Contains(output, `"TEST_STR":"hello"`) {
		t.Error("Dictionary missing TEST_STR")
	}

	if !strings.Contains(output, `"test_pins"`) {
		t.Error("Dictionary missing test_pins enumeration")
	}
	if !strings.Contains(output, `"PA0":0`) && !strings.Contains(output, `"PA1":1`) {
		t.Error("Dictionary missing test_pins values")
	}

	if !strings.Contains(output, `"test_cmd arg=%u"`) {
		t.Error("Dictionary missing test_cmd")
	}
}

func TestDictionaryChunks(t *testing.T) {
	dict := NewDictionary(NewCommandRegistry())
	dict.AddConstant("TEST", uint32(123))

	full := dict.Generate()

	chunk1 := dict.GetChunk(0, 10)
	if len(chunk1) == 0 {
		t.Error("First chunk is empty")
	}
	if len(chunk1) > 10 {
		t.Errorf("First chunk too large: %d bytes", len(chunk1))
	}

	chunkEnd := dict.GetChunk(uint32(len(full)+100), 10)
	if len(chunkEnd) != 0 {
		t.Error("Chunk beyond end should be empty")
	}

	chunkAtEnd := dict.GetChunk(uint32(len(full)), 10)
	if len(chunkAtEnd) != 0 {
		t.Error("Chunk at end should be empty")
	}
}

func TestInitCoreCommands(t *testing.T) {
	oldRegistry := globalRegistry
	globalRegistry = NewCommandRegistry()
	defer func() { globalRegistry = oldRegistry }()

	InitCoreCommands()

	requiredCommands := []string{
		"identify",
		"get_uptime",
		"get_clock",
		"get_config",
		"config_reset",
		"finalize_config",
		"allocate_oids",
		"emergency_stop",
	}

	for _, cmdName := range requiredCommands {
		cmd, ok := globalRegistry.GetCommandByName(cmdName)
		if !ok {
			t.Errorf("Required command not registered: %s", cmdName)
		}
		if cmd == nil {
			t.Errorf("Command %s is nil", cmdName)
		}
	}

	dict := GetGlobalDictionary().Generate()
	dictStr := string(dict)

	if !strings.Contains(dictStr, `"STATS_SUMSQ_BASE"`) {
		t.Error("STATS_SUMSQ_BASE constant not registered")
	}
}
