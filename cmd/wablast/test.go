package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/wablast/internal/gateway"
)

var (
	testSendDevice  string
	testSendTo      string
	testSendMessage string
	testSendMedia   string
	testDevice      string
	testTimeout     int
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Testing and debugging commands",
}

var testSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one test message through the gateway",
	RunE:  runTestSend,
}

var testGatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Check the gateway connection and a device session",
	RunE:  runTestGateway,
}

func init() {
	testSendCmd.Flags().StringVar(&testSendDevice, "device", "", "Device ID to send from (required)")
	testSendCmd.Flags().StringVar(&testSendTo, "to", "", "Recipient phone number (required)")
	testSendCmd.Flags().StringVar(&testSendMessage, "message", "Test message from wablast", "Message text")
	testSendCmd.Flags().StringVar(&testSendMedia, "media", "", "Media URL to attach")
	testSendCmd.MarkFlagRequired("device")
	testSendCmd.MarkFlagRequired("to")

	testGatewayCmd.Flags().StringVar(&testDevice, "device", "", "Device ID to check")

	testCmd.PersistentFlags().IntVar(&testTimeout, "timeout", 10, "Request timeout in seconds")
	testCmd.AddCommand(testSendCmd, testGatewayCmd)
	rootCmd.AddCommand(testCmd)
}

func newGatewayClient() (*gateway.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return gateway.NewClient(cfg.Gateway.URL, cfg.Gateway.APIKey, time.Duration(testTimeout)*time.Second), nil
}

func runTestSend(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}

	fmt.Printf("Sending test message...\n")
	fmt.Printf("  Device: %s\n", testSendDevice)
	fmt.Printf("  To: %s\n", testSendTo)
	fmt.Println()

	resp, err := client.Send(context.Background(), &gateway.SendRequest{
		DeviceID: testSendDevice,
		To:       testSendTo,
		Message:  testSendMessage,
		MediaURL: testSendMedia,
	})
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	fmt.Printf("Test message accepted (id %s, status %s)\n", resp.ID, resp.Status)
	return nil
}

func runTestGateway(cmd *cobra.Command, args []string) error {
	client, err := newGatewayClient()
	if err != nil {
		return err
	}
	ctx := context.Background()

	fmt.Print("Gateway health... ")
	start := time.Now()
	health, err := client.Health(ctx)
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		return nil
	}
	fmt.Printf("OK (%s, %v)\n", health.Status, time.Since(start).Round(time.Millisecond))
	if health.Version != "" {
		fmt.Printf("  Version: %s\n", health.Version)
	}

	if testDevice == "" {
		return nil
	}

	fmt.Printf("Device %s... ", testDevice)
	dev, err := client.Device(ctx, testDevice)
	if err != nil {
		fmt.Printf("FAILED: %v\n", err)
		return nil
	}
	if !dev.Connected {
		fmt.Println("DISCONNECTED")
		return nil
	}
	fmt.Printf("CONNECTED")
	if dev.Phone != "" {
		fmt.Printf(" (%s)", dev.Phone)
	}
	fmt.Println()
	return nil
}
