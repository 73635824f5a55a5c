package http2

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameDataWriteRead(t *testing.T) {
	frh := AcquireFrameHeader()
	defer ReleaseFrameHeader(frh)

	frh.SetStream(3)

	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte(testStr))
	data.SetEndStream(true)
	frh.SetBody(data)

	bf := bytes.NewBuffer(nil)
	bw := bufio.NewWriter(bf)

	if _, err := frh.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(bf)

	got, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(got)

	if got.Stream() != 3 {
		t.Fatalf("unexpected stream id: %d", got.Stream())
	}
	if got.Type() != FrameData {
		t.Fatalf("unexpected frame type: %s", got.Type())
	}

	gotData := got.Body().(*Data)
	if string(gotData.Data()) != testStr {
		t.Fatalf("mismatch %q<>%q", gotData.Data(), testStr)
	}
	if !gotData.EndStream() {
		t.Fatal("expected END_STREAM to round-trip")
	}
}

func TestFrameDataPadded(t *testing.T) {
	frh := AcquireFrameHeader()
	defer ReleaseFrameHeader(frh)

	frh.SetStream(5)

	data := AcquireFrame(FrameData).(*Data)
	data.SetData([]byte(testStr))
	data.SetPadding(true)
	frh.SetBody(data)

	bf := bytes.NewBuffer(nil)
	bw := bufio.NewWriter(bf)

	if _, err := frh.WriteTo(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(bf)

	got, err := ReadFrameFrom(br)
	if err != nil {
		t.Fatal(err)
	}
	defer ReleaseFrameHeader(got)

	gotData := got.Body().(*Data)
	if string(gotData.Data()) != testStr {
		t.Fatalf("padding not stripped correctly: got %q", gotData.Data())
	}
}
