package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"ostinato"
	"ostinato/datablock"
	"ostinato/midi"
	"ostinato/oto"
	"ostinato/sequencer"
	"ostinato/version"
)

func main() {
	list := flag.Bool("list", false, "List the available MIDI output ports and exit.")
	port := flag.String("port", "", "MIDI output port name prefix. The first port is used when empty.")
	loop := flag.Bool("loop", false, "Loop the composition from start to end.")
	blocksPath := flag.String("blocks", "", "SQLite file backing the datablock store. In-memory when empty.")
	readAhead := flag.Duration("readahead", 160*time.Millisecond, "How far ahead of the play position events are fetched.")
	versionFlag := flag.Bool("v", false, "Print version.")
	flag.Usage = printUsage
	flag.Parse()
	if *versionFlag {
		fmt.Println(version.VersionOrHash)
		os.Exit(0)
	}
	if *list {
		names, err := midi.OutputNames()
		if err != nil {
			fmt.Fprintf(os.Stderr, "could not list MIDI outputs: %v\n", err)
			os.Exit(1)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(0)
	}
	if err := play(flag.Arg(0), *port, *blocksPath, *loop, *readAhead); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func play(filename, port, blocksPath string, loop bool, readAhead time.Duration) error {
	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("could not open %v: %v", filename, err)
	}
	doc, err := ostinato.ReadComposition(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("could not parse %v: %v", filename, err)
	}
	var backing datablock.Backing
	if blocksPath != "" {
		backing, err = datablock.NewSQLiteBacking(blocksPath)
		if err != nil {
			return fmt.Errorf("could not open datablock store: %v", err)
		}
	} else {
		backing = datablock.NewMemoryBacking()
	}
	blocks := datablock.NewRepository(backing)
	defer blocks.Close()
	driver, err := midi.NewDriver(port, blocks)
	if err != nil {
		return fmt.Errorf("could not open MIDI output: %v", err)
	}
	broker := sequencer.NewBroker()
	controls := ostinato.NewControls()
	seq := sequencer.New(doc, controls, blocks, driver, broker)
	defer seq.ShutDown()
	seq.SetReadAhead(ostinato.RealTimeFromDuration(readAhead))
	end := doc.RealTimeAt(endTicks(doc))
	if loop {
		seq.SetLoop(0, end)
	}
	pacer, err := oto.NewPacer(seq.Tick)
	if err != nil {
		return fmt.Errorf("could not open audio device: %v", err)
	}
	defer pacer.Close()
	seq.Play(0)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	for {
		select {
		case <-interrupt:
			seq.Stop()
			// one more pacer tick finishes the stop and closes open notes
			time.Sleep(100 * time.Millisecond)
			return nil
		case msg := <-broker.ToModel:
			if !loop && msg.State == sequencer.Playing && msg.Position >= end {
				seq.Stop()
				time.Sleep(100 * time.Millisecond)
				return nil
			}
			if alert, ok := msg.Data.(sequencer.Alert); ok {
				fmt.Fprintf(os.Stderr, "%v: %v\n", alert.Name, alert.Message)
			}
		}
	}
}

// endTicks finds where the last segment stops sounding.
func endTicks(doc *ostinato.Composition) ostinato.Ticks {
	var end ostinato.Ticks
	for _, seg := range doc.Segments {
		last := seg.End
		if seg.Repeat && seg.RepeatEnd > last {
			last = seg.RepeatEnd
		}
		if last > end {
			end = last
		}
	}
	return end
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Plays a .yml composition through a MIDI output.\nUsage: %s [flags] composition.yml\n", os.Args[0])
	flag.PrintDefaults()
}
