package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/drgolem/streamsync/pkg/decoders/wav"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: decode <input.wav>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Demuxes and decodes a WAV file in 64 KiB chunks and prints information about it")
		os.Exit(1)
	}

	inputFile := os.Args[1]

	fmt.Printf("Opening: %s\n", inputFile)
	f, err := os.Open(inputFile)
	if err != nil {
		log.Fatalf("Failed to open WAV file: %v", err)
	}
	defer f.Close()

	demuxer := wav.NewDemuxer()
	decoder := wav.NewDecoder()
	defer decoder.Close()

	chunk := make([]byte, 64*1024)
	totalSamples := 0
	packets := 0

	for {
		n, err := f.Read(chunk)
		if n > 0 {
			demuxer.ReceiveInput(chunk[:n])
		}

		for {
			more, perr := demuxer.Process()
			if perr != nil {
				log.Fatalf("Failed to demux: %v", perr)
			}
			for pkt, ok := demuxer.DequeueAudioPacket(); ok; pkt, ok = demuxer.DequeueAudioPacket() {
				if !decoder.LoadedMetadata() {
					if err := decoder.ProcessHeader(pkt.Data); err != nil {
						log.Fatalf("Failed to read WAV format: %v", err)
					}
					format := decoder.AudioFormat()
					fmt.Printf("Sample Rate: %d Hz\n", format.Rate)
					fmt.Printf("Channels: %d\n", format.Channels)
					fmt.Printf("Duration: %.2f seconds\n", demuxer.Duration())
					fmt.Println()
					continue
				}
				if err := decoder.ProcessAudio(pkt.Data); err != nil {
					log.Fatalf("Failed to decode packet at %.3fs: %v", pkt.Timestamp, err)
				}
				packets++
				totalSamples += decoder.AudioBuffer().Len()
				if packets <= 3 || packets%100 == 0 {
					fmt.Printf("Packet %d: %d samples at %.3fs\n", packets, decoder.AudioBuffer().Len(), pkt.Timestamp)
				}
			}
			if !more {
				break
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read: %v", err)
		}
	}

	fmt.Println()
	fmt.Printf("Total samples decoded: %d\n", totalSamples)
	fmt.Printf("Total packets: %d\n", packets)
	if format := decoder.AudioFormat(); format != nil {
		fmt.Printf("Decoded duration: %.2f seconds\n", float64(totalSamples)/float64(format.Rate))
	}
	fmt.Printf("Index for 1.0s: byte offset %d\n", demuxer.KeypointOffset(1.0))
}
