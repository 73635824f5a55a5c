package http2

import "testing"

func TestHPACKRoundTrip(t *testing.T) {
	enc := NewHPACK()
	dec := NewHPACK()

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	var block []byte

	hf.SetBytes(StringMethod, []byte("GET"))
	block = enc.AppendHeader(block, hf, true)

	hf.SetBytes(StringPath, []byte("/"))
	block = enc.AppendHeader(block, hf, true)

	hf.SetBytes([]byte("x-custom"), []byte("value"))
	block = enc.AppendHeader(block, hf, false)

	fields, err := dec.DecodeFull(block)
	if err != nil {
		t.Fatalf("DecodeFull: %s", err)
	}
	defer func() {
		for _, f := range fields {
			ReleaseHeaderField(f)
		}
	}()

	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}

	if string(fields[0].KeyBytes()) != ":method" || string(fields[0].ValueBytes()) != "GET" {
		t.Fatalf("unexpected first field: %s=%s", fields[0].KeyBytes(), fields[0].ValueBytes())
	}

	if string(fields[2].KeyBytes()) != "x-custom" || string(fields[2].ValueBytes()) != "value" {
		t.Fatalf("unexpected third field: %s=%s", fields[2].KeyBytes(), fields[2].ValueBytes())
	}
}

func TestHPACKSensitiveFieldNotIndexed(t *testing.T) {
	enc := NewHPACK()

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetBytes([]byte("authorization"), []byte("secret"))
	block := enc.AppendHeader(nil, hf, false)

	if len(block) == 0 {
		t.Fatal("expected a non-empty encoded block")
	}

	fields, err := NewHPACK().DecodeFull(block)
	if err != nil {
		t.Fatalf("DecodeFull: %s", err)
	}
	defer func() {
		for _, f := range fields {
			ReleaseHeaderField(f)
		}
	}()

	if len(fields) != 1 || !fields[0].IsSensible() {
		t.Fatal("expected the field to be encoded as literal never indexed")
	}
}

func TestHPACKSetTableSizes(t *testing.T) {
	hp := NewHPACK()
	hp.SetMaxEncoderTableSize(0)
	hp.SetMaxDecoderTableSize(0)
}
