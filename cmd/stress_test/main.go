// Command stress_test fires concurrent sales at a running server for a single
// product and checks that exactly the available stock was sold.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/retail-pos/internal/adapter/auth"
	"github.com/rl1809/retail-pos/internal/core/domain"
)

func main() {
	var (
		baseURL       = flag.String("url", "http://localhost:8080", "server base URL")
		mysqlDSN      = flag.String("dsn", "root:root@tcp(localhost:3306)/retail?parseTime=true", "MySQL DSN used to seed and verify")
		secret        = flag.String("secret", "supersecretkey", "JWT secret shared with the server")
		initialStock  = flag.Int("stock", 20, "initial stock of the seeded product")
		totalRequests = flag.Int("requests", 50, "number of concurrent single-unit sales")
	)
	flag.Parse()

	ctx := context.Background()

	db, err := sql.Open("mysql", *mysqlDSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}

	tenantID := "stress-" + uuid.NewString()[:8]
	productID := uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, name, sku, price, stock, version, status)
		VALUES (?, ?, 'Stress item', ?, 1.00, ?, 0, 'ACTIVE')`,
		productID, tenantID, productID[:8], *initialStock)
	if err != nil {
		log.Fatalf("failed to seed product: %v", err)
	}

	token, err := auth.NewJWTVerifier(*secret).Issue(domain.Claims{
		UserID:   "stress-user",
		Role:     domain.RoleVendeur,
		TenantID: tenantID,
	}, time.Hour)
	if err != nil {
		log.Fatalf("failed to sign token: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"items": []map[string]any{{"productId": productID, "quantity": 1}},
	})
	client := &http.Client{Timeout: 30 * time.Second}

	var successCount, soldOutCount, throttledCount, errorCount atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			req, _ := http.NewRequest(http.MethodPost, *baseURL+"/api/sales/create", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+token)

			resp, err := client.Do(req)
			if err != nil {
				errorCount.Add(1)
				return
			}
			resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusCreated:
				successCount.Add(1)
			case http.StatusConflict:
				soldOutCount.Add(1)
			case http.StatusTooManyRequests:
				throttledCount.Add(1)
			default:
				errorCount.Add(1)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := int(successCount.Load())
	soldOut := int(soldOutCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Sold out:         %d\n", soldOut)
	fmt.Printf("Throttled:        %d\n", throttledCount.Load())
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	var finalStock, movements int
	db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&finalStock)
	db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stock_movements WHERE product_id = ?`, productID).Scan(&movements)
	fmt.Printf("Final Stock:      %d\n", finalStock)
	fmt.Printf("Stock Movements:  %d\n", movements)

	expected := min(*initialStock, *totalRequests)
	if throttledCount.Load() == 0 && errorCount.Load() == 0 {
		if success == expected {
			fmt.Printf("PASS: exactly %d sales succeeded\n", expected)
		} else {
			fmt.Printf("FAIL: expected %d sales, got %d\n", expected, success)
		}
	}
	if finalStock >= 0 && finalStock+success == *initialStock && movements == success {
		fmt.Println("PASS: stock, sales and movements agree")
	} else {
		fmt.Printf("FAIL: stock %d + sold %d != %d (movements %d)\n", finalStock, success, *initialStock, movements)
	}
}
