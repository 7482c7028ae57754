package database

// Each sheet is a set of rows; row 1 holds the header. Cells are a JSON
// array so that columns can be added without a migration.
const schema = `
CREATE TABLE IF NOT EXISTS sheets (
    name VARCHAR(128) NOT NULL PRIMARY KEY,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sheet_rows (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    sheet_name VARCHAR(128) NOT NULL,
    row_num INT NOT NULL,
    cells JSON NOT NULL,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_sheet_row (sheet_name, row_num),
    FOREIGN KEY (sheet_name) REFERENCES sheets(name)
);
`
